// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used for keyring entries. Each
// controller base URL gets its own entry.
const keyringService = "stagehand"

// SaveToken stores token in the OS keyring for baseURL.
func SaveToken(baseURL, token string) error {
	if err := keyring.Set(keyringService, baseURL, token); err != nil {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

// LoadToken returns the token saved for baseURL, or "" when there is none
// or the keyring is unavailable.
func LoadToken(baseURL string) string {
	token, err := keyring.Get(keyringService, baseURL)
	if err != nil {
		return ""
	}
	return token
}

// DeleteToken removes the token saved for baseURL. Deleting a missing
// entry is not an error.
func DeleteToken(baseURL string) error {
	if err := keyring.Delete(keyringService, baseURL); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}
