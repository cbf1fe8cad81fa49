// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cursor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// Keyset is the position after the last item read by a keyset-paginated
// source: rows are read in (Primary, Tiebreaker) order and a resumed read
// continues strictly after this pair.
//
// Values survive encoding as JSON scalars. Numbers decode as json.Number so
// integer keys do not lose precision.
type Keyset struct {
	Primary    any `json:"k"`
	Tiebreaker any `json:"t,omitempty"`
}

// EncodeKeyset serializes k into an opaque cursor.
func EncodeKeyset(k Keyset) (pipeline.Cursor, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("encode keyset cursor: %w", err)
	}
	return pipeline.Cursor(data), nil
}

// DecodeKeyset parses a cursor written by EncodeKeyset.
//
// The initial cursor decodes to ok=false, meaning "start from the beginning".
func DecodeKeyset(c pipeline.Cursor) (k Keyset, ok bool, err error) {
	if c.IsInitial() {
		return Keyset{}, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(c))
	dec.UseNumber()
	if err := dec.Decode(&k); err != nil {
		return Keyset{}, false, fmt.Errorf("decode keyset cursor: %w", err)
	}
	return k, true, nil
}

// Int64 converts a decoded keyset value to int64.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("keyset value %v (%T) is not an integer", v, v)
}
