// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressFlag embeds a common.Address and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AddressFlag struct {
	common.Address
}

// NewAddressFlag creates an AddressFlag with a default address.
func NewAddressFlag(defaultValue common.Address) *AddressFlag {
	return &AddressFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AddressFlag) MarshalFlag() (string, error) {
	return a.Address.Hex(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AddressFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return errInvalidAddress(value)
	}
	a.Address = common.HexToAddress(value)
	return nil
}

type errInvalidAddress string

func (e errInvalidAddress) Error() string {
	return "cfgutil: invalid address flag value: " + string(e)
}
