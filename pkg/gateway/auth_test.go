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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcryptVerifier(t *testing.T) {
	t.Parallel()

	hash, err := HashCredential("agent-secret")
	require.NoError(t, err)

	v := BcryptVerifier{}
	assert.NoError(t, v.Verify(hash, "agent-secret"))
	assert.Error(t, v.Verify(hash, "wrong-secret"))
	assert.Error(t, v.Verify("not-a-hash", "agent-secret"))
}
