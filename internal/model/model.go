// Copyright (C) 2020 Markus L. Noga
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

package model

import (
	"encoding/json"
	"fmt"

	"github.com/mlnoga/splinealign/internal/geom"
)

// A ground truth distortion between two coordinate planes,
// providing the forward mapping and its inverse
type Model interface {
	GetType() string
	Init() error
	Forward() geom.Transformer
	Inverse() geom.Transformer
}

// Base type for models, including type information for JSON serializing/deserializing
type ModelBase struct {
	Type string `json:"type"`
}

func (m *ModelBase) GetType() string { return m.Type }

// Factory method for models. For JSON deserializing
type ModelFactory func() Model

// Mapping from model type strings to factory method for the type
var modelFactories = map[string]ModelFactory{}

// Returns the model factory for a given type string
func GetModelFactory(t string) ModelFactory {
	return modelFactories[t]
}

// Registers a given type of model, identified via an exemplar generator
func SetModelFactory(f ModelFactory) {
	m := f()
	t := m.GetType()
	if GetModelFactory(t) != nil {
		panic(fmt.Sprintf("error: re-registering model key %s\n", t))
	}
	modelFactories[t] = f
}

// Decodes a model from JSON, using the type field to pick the implementation, and initializes it
func Decode(data []byte) (Model, error) {
	var base ModelBase
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	f := GetModelFactory(base.Type)
	if f == nil {
		return nil, fmt.Errorf("unknown model type '%s'", base.Type)
	}
	m := f()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding %s model: %w", base.Type, err)
	}
	if err := m.Init(); err != nil {
		return nil, fmt.Errorf("initializing %s model: %w", base.Type, err)
	}
	return m, nil
}

// No distortion at all
type ModelIdentity struct {
	ModelBase
}

func init() { SetModelFactory(func() Model { return NewModelIdentity() }) } // register the model for JSON decoding

func NewModelIdentity() *ModelIdentity {
	return &ModelIdentity{ModelBase{Type: "identity"}}
}

func (m *ModelIdentity) Init() error               { return nil }
func (m *ModelIdentity) Forward() geom.Transformer { return geom.Identity{} }
func (m *ModelIdentity) Inverse() geom.Transformer { return geom.Identity{} }

// An affine distortion with closed form inverse
type ModelAffine struct {
	ModelBase
	geom.Transform2D
	inv geom.Transform2D
}

func init() { SetModelFactory(func() Model { return NewModelAffine(geom.IdentityTransform2D()) }) }

func NewModelAffine(t geom.Transform2D) *ModelAffine {
	return &ModelAffine{ModelBase: ModelBase{Type: "affine"}, Transform2D: t}
}

func (m *ModelAffine) Init() (err error) {
	m.inv, err = m.Transform2D.Invert()
	return err
}

func (m *ModelAffine) Forward() geom.Transformer { return m.Transform2D }
func (m *ModelAffine) Inverse() geom.Transformer { return m.inv }
