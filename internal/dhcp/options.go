package dhcp

import (
	"fmt"

	"github.com/MauricioCa07/DHCP-Project/pkg/dhcpv4"
)

// Option is one (tag, length, value) record of the options area.
type Option struct {
	Code dhcpv4.OptionCode
	Data []byte
}

// Options is the ordered options area of a packet. Order is kept exactly as
// decoded or set so that encoding is deterministic; tags the engine does not
// interpret are carried as opaque bytes.
type Options []Option

// DecodeOptions parses the options section of a DHCP packet, i.e. the bytes
// following the magic cookie. RFC 2132: options are TLV encoded and the
// area must be terminated by the end tag.
func DecodeOptions(data []byte) (Options, error) {
	var opts Options
	i := 0
	for i < len(data) {
		code := dhcpv4.OptionCode(data[i])
		i++

		// Pad option (RFC 2132 §3.1)
		if code == dhcpv4.OptionPad {
			continue
		}

		// End option (RFC 2132 §3.2)
		if code == dhcpv4.OptionEnd {
			return opts, nil
		}

		if i >= len(data) {
			return nil, fmt.Errorf("%w: truncated option %d: no length byte", ErrMalformedMessage, code)
		}

		length := int(data[i])
		i++

		if i+length > len(data) {
			return nil, fmt.Errorf("%w: truncated option %d: need %d bytes, have %d",
				ErrMalformedMessage, code, length, len(data)-i)
		}

		value := make([]byte, length)
		copy(value, data[i:i+length])
		opts = append(opts, Option{Code: code, Data: value})
		i += length
	}

	return nil, fmt.Errorf("%w: options area has no end tag", ErrMalformedMessage)
}

// Encode serializes options in order and appends the end tag.
func (opts Options) Encode() ([]byte, error) {
	size := 1
	for _, o := range opts {
		size += 2 + len(o.Data)
	}

	buf := make([]byte, 0, size)
	for _, o := range opts {
		if o.Code == dhcpv4.OptionPad || o.Code == dhcpv4.OptionEnd {
			return nil, fmt.Errorf("option tag %d cannot carry a value", o.Code)
		}
		if len(o.Data) > dhcpv4.MaxOptionLen {
			return nil, fmt.Errorf("option %d value is %d bytes (max %d)", o.Code, len(o.Data), dhcpv4.MaxOptionLen)
		}
		buf = append(buf, byte(o.Code), byte(len(o.Data)))
		buf = append(buf, o.Data...)
	}

	buf = append(buf, byte(dhcpv4.OptionEnd))
	return buf, nil
}

// Get returns the value of the first option with the given code.
func (opts Options) Get(code dhcpv4.OptionCode) ([]byte, bool) {
	for _, o := range opts {
		if o.Code == code {
			return o.Data, true
		}
	}
	return nil, false
}

// Has returns true if the option is present.
func (opts Options) Has(code dhcpv4.OptionCode) bool {
	_, ok := opts.Get(code)
	return ok
}

// Set replaces the value of an existing option in place, or appends it.
func (opts *Options) Set(code dhcpv4.OptionCode, value []byte) {
	for i := range *opts {
		if (*opts)[i].Code == code {
			(*opts)[i].Data = value
			return
		}
	}
	*opts = append(*opts, Option{Code: code, Data: value})
}

// SetIP sets a single-address option.
func (opts *Options) SetIP(code dhcpv4.OptionCode, ip []byte) {
	opts.Set(code, dhcpv4.IPToBytes(ip))
}

// SetUint32 sets a uint32 option.
func (opts *Options) SetUint32(code dhcpv4.OptionCode, v uint32) {
	opts.Set(code, dhcpv4.Uint32ToBytes(v))
}

// Delete removes every option with the given code.
func (opts *Options) Delete(code dhcpv4.OptionCode) {
	kept := (*opts)[:0]
	for _, o := range *opts {
		if o.Code != code {
			kept = append(kept, o)
		}
	}
	*opts = kept
}

// Clone returns a deep copy of the options.
func (opts Options) Clone() Options {
	if opts == nil {
		return nil
	}
	clone := make(Options, len(opts))
	for i, o := range opts {
		vc := make([]byte, len(o.Data))
		copy(vc, o.Data)
		clone[i] = Option{Code: o.Code, Data: vc}
	}
	return clone
}
