// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RegisterCount is the number of 16 bit registers a data type occupies.
func RegisterCount(dataType string) (uint16, error) {
	switch dataType {
	case "uint16", "int16", "bool":
		return 1, nil
	case "float32":
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported data type %q", dataType)
}

// Decode turns raw big endian register bytes into a value, applying
// scale and offset when the register has them.
func Decode(def RegisterDef, raw []byte) (float64, error) {
	n, err := RegisterCount(def.DataType)
	if err != nil {
		return 0, err
	}
	if len(raw) < int(n)*2 {
		return 0, fmt.Errorf("got %d bytes, need %d", len(raw), n*2)
	}

	var v float64
	switch def.DataType {
	case "float32":
		v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
	case "int16":
		v = float64(int16(binary.BigEndian.Uint16(raw)))
	case "uint16":
		v = float64(binary.BigEndian.Uint16(raw))
	case "bool":
		if binary.BigEndian.Uint16(raw) != 0 {
			return 1, nil
		}
		return 0, nil
	}

	if def.Scale != 0 {
		v = v*def.Scale + def.Offset
	}
	return v, nil
}

// Encode is the inverse of Decode. It returns the bytes to write and the
// register count.
func Encode(def RegisterDef, v float64) ([]byte, uint16, error) {
	if def.Scale != 0 {
		v = (v - def.Offset) / def.Scale
	}

	switch def.DataType {
	case "float32":
		if v > math.MaxFloat32 || v < -math.MaxFloat32 {
			return nil, 0, fmt.Errorf("value %v out of float32 range", v)
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(v))), 2, nil

	case "int16":
		i := math.Round(v)
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, 0, fmt.Errorf("value %v out of int16 range", v)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(i))), 1, nil

	case "uint16":
		i := math.Round(v)
		if i < 0 || i > math.MaxUint16 {
			return nil, 0, fmt.Errorf("value %v out of uint16 range", v)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(i)), 1, nil

	case "bool":
		var word uint16
		if v != 0 {
			word = math.MaxUint16
		}
		return binary.BigEndian.AppendUint16(nil, word), 1, nil
	}
	return nil, 0, fmt.Errorf("unsupported data type %q", def.DataType)
}
