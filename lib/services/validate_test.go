/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package services

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob2", "a", "xn--caf-dma", "a-b-c", "0day"}
	for _, u := range valid {
		require.NoError(t, ValidateUsername(u), "username %q", u)
	}

	invalid := []string{
		"",
		"-alice",
		"alice-",
		"al ice",
		"alice.smith",
		"café",
		"a_b",
		"waytoolongwaytoolongwaytoolongwaytoolongwaytoolongwaytoolongwayy",
	}
	for _, u := range invalid {
		require.Error(t, ValidateUsername(u), "username %q", u)
	}
}

func TestValidateEmail(t *testing.T) {
	require.NoError(t, ValidateEmail("a@b.c"))
	require.NoError(t, ValidateEmail("alice+tag@example.com"))

	for _, e := range []string{"", "alice", "a@b", "a @b.c", "@b.c"} {
		require.Error(t, ValidateEmail(e), "email %q", e)
	}
}
