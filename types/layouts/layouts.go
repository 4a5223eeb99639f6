// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layouts maps logical (batch, channel, depth, height, width)
// coordinates to physical offsets in a tensor's backing buffer.
//
// Physical layouts differ in the ordering of axes and, for the channel-blocked
// formats, in the padding of the channel extent: a blocked format rounds the
// channel extent up to a multiple of its block size, so the backing buffer is
// larger than the logical element count and the extra slots are padding. All
// buffer accesses made by the checker go through Layout.Offset; linear
// indexing over the buffer is only meaningful for formats without padding.
//
// Only the handful of formats exercised by the checker exist, so Layout is a
// flat struct resolved by a switch rather than an interface hierarchy.
package layouts

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/normcheck/types/shapes"
)

// Format enumerates the supported physical data arrangements.
type Format int

const (
	// NC is plain 2D (batch, channels) data.
	NC Format = iota
	// NCHW is the plain channels-major 4D format.
	NCHW
	// NHWC is the plain channels-minor 4D format.
	NHWC
	// NCDHW is the plain channels-major 5D format.
	NCDHW
	// NDHWC is the plain channels-minor 5D format.
	NDHWC
	// NChw8c blocks the channel axis by 8, padding channels up to a multiple of 8.
	NChw8c
	// NChw16c blocks the channel axis by 16.
	NChw16c
	// NCdhw16c is the 5D variant of the 16-channel blocking.
	NCdhw16c
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case NC:
		return "nc"
	case NCHW:
		return "nchw"
	case NHWC:
		return "nhwc"
	case NCDHW:
		return "ncdhw"
	case NDHWC:
		return "ndhwc"
	case NChw8c:
		return "nChw8c"
	case NChw16c:
		return "nChw16c"
	case NCdhw16c:
		return "nCdhw16c"
	}
	return "invalid"
}

// BlockSize returns the channel blocking factor, 1 for plain formats.
func (f Format) BlockSize() int {
	switch f {
	case NChw8c:
		return 8
	case NChw16c, NCdhw16c:
		return 16
	}
	return 1
}

// Layout binds a Format to concrete extents. Offset is a pure function of the
// coordinate; Layout carries no buffer and has no side effects.
type Layout struct {
	Format Format

	batch, channels      int
	depth, height, width int
	paddedChannels       int
}

// FromFormat builds the Layout of shape in the given format.
//
// It panics if the format cannot represent the shape: the 2D and 4D formats
// require the unused spatial extents to be 1.
func FromFormat(f Format, shape shapes.Shape) Layout {
	switch f {
	case NC:
		if shape.Depth != 1 || shape.Height != 1 || shape.Width != 1 {
			exceptions.Panicf("layouts.FromFormat(%s, %s): format is 2D, spatial extents must be 1", f, shape)
		}
	case NCHW, NHWC, NChw8c, NChw16c:
		if shape.Depth != 1 {
			exceptions.Panicf("layouts.FromFormat(%s, %s): format is 4D, depth must be 1", f, shape)
		}
	}
	block := f.BlockSize()
	padded := shape.Channels
	if block > 1 {
		padded = (shape.Channels + block - 1) / block * block
	}
	return Layout{
		Format:         f,
		batch:          shape.Batch,
		channels:       shape.Channels,
		depth:          shape.Depth,
		height:         shape.Height,
		width:          shape.Width,
		paddedChannels: padded,
	}
}

// PaddedChannels returns the physical channel extent, including any blocking
// padding. Equal to the logical channel count for plain formats.
func (l Layout) PaddedChannels() int { return l.paddedChannels }

// PaddedSize returns the number of elements a backing buffer needs, padding
// included.
func (l Layout) PaddedSize() int {
	return l.batch * l.paddedChannels * l.depth * l.height * l.width
}

// Offset maps the logical coordinate (n, c, d, h, w) to the physical offset
// in the backing buffer. The coordinate must be inside the logical extents;
// padding slots are not addressable.
func (l Layout) Offset(n, c, d, h, w int) int {
	switch l.Format {
	case NC:
		return n*l.paddedChannels + c
	case NCHW, NCDHW:
		return ((n*l.channels+c)*l.depth+d)*l.height*l.width + h*l.width + w
	case NHWC, NDHWC:
		return (((n*l.depth+d)*l.height+h)*l.width+w)*l.channels + c
	case NChw8c, NChw16c, NCdhw16c:
		block := l.Format.BlockSize()
		blocks := l.paddedChannels / block
		spatial := (d*l.height+h)*l.width + w
		return ((n*blocks+c/block)*l.depth*l.height*l.width+spatial)*block + c%block
	}
	exceptions.Panicf("layouts.Offset: invalid format %d", int(l.Format))
	return 0
}
