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

package gateway

import "errors"

var (
	// ErrAuthFailed rejects a handshake with a bad or missing credential.
	ErrAuthFailed = errors.New("agent authentication failed")

	// ErrNotConnected means the push path is unavailable and the caller
	// must rely on heartbeat fallback.
	ErrNotConnected = errors.New("agent not connected")
)

// Close codes on the agent channel. CloseAuthFailure distinguishes a
// credential rejection from ordinary disconnects.
const (
	CloseAuthFailure = 4401
	CloseReplaced    = 4409
)
