/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 3, 5)
	require.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 15, s.Size())
	assert.Equal(t, uintptr(15*4), s.Memory())
	assert.Equal(t, "(Float32)[3 5]", s.String())

	assert.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
	assert.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float64]()
	require.True(t, s.Ok())
	assert.True(t, s.IsScalar())
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.Size())
}

func TestInvalid(t *testing.T) {
	assert.False(t, Invalid().Ok())
	var zero Shape
	assert.False(t, zero.Ok())
	assert.False(t, zero.IsScalar())
}

func TestDim(t *testing.T) {
	s := Make(dtypes.Int32, 2, 3, 4)
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, 4, s.Dim(2))
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(-3))
	assert.Panics(t, func() { s.Dim(3) })
	assert.Panics(t, func() { s.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float32, 3, 5)
	assert.True(t, s.Equal(Make(dtypes.Float32, 3, 5)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 3, 5)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 5, 3)))

	s2 := s.Clone()
	require.True(t, s.Equal(s2))
	s2.Dimensions[0] = 7
	assert.Equal(t, 3, s.Dimensions[0])
}

func TestGobSerialization(t *testing.T) {
	s := Make(dtypes.Float64, 4, 2)
	var buf bytes.Buffer
	require.NoError(t, s.GobSerialize(gob.NewEncoder(&buf)))
	s2, err := GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.True(t, s.Equal(s2))
}
