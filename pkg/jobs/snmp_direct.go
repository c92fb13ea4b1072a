/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

var errUnsupportedSNMPVersion = fmt.Errorf("unsupported SNMP version")

const (
	directPollTimeout = 5 * time.Second
	directPollRetries = 2
)

// GoSNMPPoller polls targets over UDP from the control plane. Used for
// poll_direct targets the server can reach without an agent.
type GoSNMPPoller struct {
	logger logger.Logger
}

// NewGoSNMPPoller creates the direct poller.
func NewGoSNMPPoller(log logger.Logger) *GoSNMPPoller {
	return &GoSNMPPoller{logger: log}
}

// Poll gets every OID in one request batch and returns the samples.
func (p *GoSNMPPoller) Poll(ctx context.Context, target *models.SNMPTarget, oids []models.SNMPOid) ([]models.SNMPMetricSample, error) {
	client, err := buildSNMPClient(target)
	if err != nil {
		return nil, err
	}

	client.Context = ctx

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", target.Host, err)
	}
	defer client.Conn.Close()

	names := make(map[string]string, len(oids))
	oidList := make([]string, 0, len(oids))

	for _, o := range oids {
		oidList = append(oidList, o.OID)
		names[o.OID] = o.Name
	}

	now := time.Now().UTC()

	var samples []models.SNMPMetricSample

	// gosnmp caps one GET at MaxOids variables.
	for start := 0; start < len(oidList); start += gosnmp.MaxOids {
		end := start + gosnmp.MaxOids
		if end > len(oidList) {
			end = len(oidList)
		}

		packet, err := client.Get(oidList[start:end])
		if err != nil {
			return nil, fmt.Errorf("snmp get %s: %w", target.Host, err)
		}

		for _, v := range packet.Variables {
			if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
				p.logger.Debug().
					Str("host", target.Host).
					Str("oid", v.Name).
					Msg("oid not present on target")

				continue
			}

			oid := strings.TrimPrefix(v.Name, ".")

			samples = append(samples, models.SNMPMetricSample{
				OID:       oid,
				Name:      names[oid],
				Value:     pduValue(v),
				Timestamp: now,
			})
		}
	}

	return samples, nil
}

func buildSNMPClient(target *models.SNMPTarget) (*gosnmp.GoSNMP, error) {
	port := target.Port
	if port == 0 {
		port = 161
	}

	client := &gosnmp.GoSNMP{
		Target:             target.Host,
		Port:               port,
		Timeout:            directPollTimeout,
		Retries:            directPollRetries,
		MaxOids:            gosnmp.MaxOids,
		ExponentialTimeout: true,
	}

	switch target.Version {
	case "v1":
		client.Version = gosnmp.Version1
		client.Community = target.Community
	case "", "v2c":
		client.Version = gosnmp.Version2c
		client.Community = target.Community
	case "v3":
		if target.V3 == nil {
			return nil, fmt.Errorf("target %s is v3 but has no credentials", target.DeviceID)
		}

		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = v3MsgFlags(target.V3.SecurityLevel)
		client.SecurityParameters = buildUSM(target.V3)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedSNMPVersion, target.Version)
	}

	return client, nil
}

func v3MsgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authPriv":
		return gosnmp.AuthPriv
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func buildUSM(creds *models.SNMPv3Credentials) *gosnmp.UsmSecurityParameters {
	usm := &gosnmp.UsmSecurityParameters{UserName: creds.Username}

	switch strings.ToUpper(creds.AuthProtocol) {
	case "MD5":
		usm.AuthenticationProtocol = gosnmp.MD5
	case "SHA":
		usm.AuthenticationProtocol = gosnmp.SHA
	case "SHA256":
		usm.AuthenticationProtocol = gosnmp.SHA256
	case "SHA512":
		usm.AuthenticationProtocol = gosnmp.SHA512
	}

	if usm.AuthenticationProtocol != 0 {
		usm.AuthenticationPassphrase = creds.AuthPassword
	}

	switch strings.ToUpper(creds.PrivProtocol) {
	case "DES":
		usm.PrivacyProtocol = gosnmp.DES
	case "AES":
		usm.PrivacyProtocol = gosnmp.AES
	case "AES256":
		usm.PrivacyProtocol = gosnmp.AES256
	}

	if usm.PrivacyProtocol != 0 {
		usm.PrivacyPassphrase = creds.PrivPassword
	}

	return usm
}

// pduValue renders a PDU as the raw JSON value the agent path would
// have reported, so both paths feed the same type inference.
func pduValue(v gosnmp.SnmpPDU) json.RawMessage {
	switch v.Type {
	case gosnmp.OctetString:
		b, _ := json.Marshal(string(v.Value.([]byte)))
		return b
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		b, _ := json.Marshal(fmt.Sprintf("%v", v.Value))
		return b
	default:
		n := gosnmp.ToBigInt(v.Value)
		if n == nil {
			b, _ := json.Marshal(fmt.Sprintf("%v", v.Value))
			return b
		}

		return json.RawMessage(n.String())
	}
}
