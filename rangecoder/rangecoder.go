// Package rangecoder implements the transport's default per-datagram
// compressor: an adaptive order-2 PPM model driven by a carryless range
// coder.  The model starts empty on every call, so each datagram decodes
// independently; both ends must simply run the same code.
//
// The compressed stream is a varint original length followed by the coded
// symbols.  Compress returns 0 whenever coding would not shrink the data,
// which the transport treats as "send uncompressed".
package rangecoder

import (
	"encoding/binary"
)

const (
	topValue    = 1 << 24
	bottomValue = 1 << 16

	// Model tuning: per-symbol increment and the total at which a context's
	// frequencies are halved.
	freqIncrement = 32
	freqCap       = 1 << 13
)

// RangeCoder is a stateless compressor/decompressor pair.  The zero value is
// ready for use and safe to share across hosts serviced by one goroutine.
type RangeCoder struct{}

// New returns a RangeCoder.
func New() *RangeCoder { return &RangeCoder{} }

////////////////////////////////////////////////////////////////////////////////
// Adaptive PPM model.
////////////////////////////////////////////////////////////////////////////////

type symbolEntry struct {
	sym  byte
	freq uint32
}

// context is one conditioning state: a frequency table over the symbols seen
// after its history, plus an implicit escape whose frequency is the number
// of distinct symbols.
type context struct {
	total uint32
	syms  []symbolEntry
}

func (c *context) escapeFreq() uint32 {
	return uint32(len(c.syms))
}

// find returns the cumulative frequency below sym and sym's own frequency,
// or ok == false if the context has never seen sym.
func (c *context) find(sym byte) (cum, freq uint32, ok bool) {
	for i := range c.syms {
		if c.syms[i].sym == sym {
			return cum, c.syms[i].freq, true
		}
		cum += c.syms[i].freq
	}
	return 0, 0, false
}

// byFreq locates the symbol containing cumulative frequency f.
func (c *context) byFreq(f uint32) (sym byte, cum, freq uint32) {
	for i := range c.syms {
		if f < cum+c.syms[i].freq {
			return c.syms[i].sym, cum, c.syms[i].freq
		}
		cum += c.syms[i].freq
	}
	// Unreachable for well-formed f < total; the caller bounds f.
	last := c.syms[len(c.syms)-1]
	return last.sym, cum - last.freq, last.freq
}

// update adds one occurrence of sym, creating the entry if needed and
// halving the table when it saturates.
func (c *context) update(sym byte) {
	for i := range c.syms {
		if c.syms[i].sym == sym {
			c.syms[i].freq += freqIncrement
			c.total += freqIncrement
			if c.total+c.escapeFreq() >= freqCap {
				c.rescale()
			}
			return
		}
	}
	c.syms = append(c.syms, symbolEntry{sym: sym, freq: freqIncrement})
	c.total += freqIncrement
	if c.total+c.escapeFreq() >= freqCap {
		c.rescale()
	}
}

func (c *context) rescale() {
	c.total = 0
	for i := range c.syms {
		c.syms[i].freq = (c.syms[i].freq + 1) / 2
		c.total += c.syms[i].freq
	}
}

// model is the order-2 / order-1 / order-0 / uniform cascade.
type model struct {
	order2 map[uint16]*context
	order1 [256]*context
	order0 context
	hist1  byte
	hist2  byte
}

func newModel() *model {
	return &model{order2: make(map[uint16]*context)}
}

func (m *model) order2Key() uint16 {
	return uint16(m.hist2)<<8 | uint16(m.hist1)
}

// path returns the contexts consulted for the current history, highest
// order first.  Missing contexts are created empty, which code as free
// escapes.
func (m *model) path() [3]*context {
	key := m.order2Key()
	c2 := m.order2[key]
	if c2 == nil {
		c2 = &context{}
		m.order2[key] = c2
	}
	c1 := m.order1[m.hist1]
	if c1 == nil {
		c1 = &context{}
		m.order1[m.hist1] = c1
	}
	return [3]*context{c2, c1, &m.order0}
}

func (m *model) advance(sym byte) {
	for _, c := range m.path() {
		c.update(sym)
	}
	m.hist2 = m.hist1
	m.hist1 = sym
}

////////////////////////////////////////////////////////////////////////////////
// Carryless range coder.
////////////////////////////////////////////////////////////////////////////////

type encoder struct {
	low  uint32
	rng  uint32
	out  []byte
	pos  int
	fail bool
}

func newEncoder(out []byte) *encoder {
	return &encoder{rng: ^uint32(0), out: out}
}

func (e *encoder) emit(b byte) {
	if e.pos >= len(e.out) {
		e.fail = true
		return
	}
	e.out[e.pos] = b
	e.pos++
}

func (e *encoder) normalize() {
	for {
		if (e.low ^ (e.low + e.rng)) < topValue {
			// High byte settled.
		} else if e.rng < bottomValue {
			e.rng = -e.low & (bottomValue - 1)
		} else {
			break
		}
		e.emit(byte(e.low >> 24))
		e.low <<= 8
		e.rng <<= 8
	}
}

func (e *encoder) encode(cum, freq, total uint32) {
	r := e.rng / total
	e.low += r * cum
	e.rng = r * freq
	e.normalize()
}

func (e *encoder) finish() int {
	for i := 0; i < 4; i++ {
		e.emit(byte(e.low >> 24))
		e.low <<= 8
	}
	if e.fail {
		return 0
	}
	return e.pos
}

type decoder struct {
	low  uint32
	rng  uint32
	code uint32
	in   []byte
	pos  int
}

func newDecoder(in []byte) *decoder {
	d := &decoder{rng: ^uint32(0), in: in}
	for i := 0; i < 4; i++ {
		d.code = d.code<<8 | uint32(d.next())
	}
	return d
}

// next returns the next input byte, padding with zeros past the end; a
// truncated stream shows up as a length mismatch at the caller.
func (d *decoder) next() byte {
	if d.pos >= len(d.in) {
		d.pos++
		return 0
	}
	b := d.in[d.pos]
	d.pos++
	return b
}

func (d *decoder) normalize() {
	for {
		if (d.low ^ (d.low + d.rng)) < topValue {
		} else if d.rng < bottomValue {
			d.rng = -d.low & (bottomValue - 1)
		} else {
			break
		}
		d.code = d.code<<8 | uint32(d.next())
		d.low <<= 8
		d.rng <<= 8
	}
}

// freq returns a cumulative frequency in [0, total) locating the next
// symbol.
func (d *decoder) freq(total uint32) uint32 {
	r := d.rng / total
	f := (d.code - d.low) / r
	if f >= total {
		f = total - 1
	}
	return f
}

func (d *decoder) decode(cum, freq, total uint32) {
	r := d.rng / total
	d.low += r * cum
	d.rng = r * freq
	d.normalize()
}

////////////////////////////////////////////////////////////////////////////////
// Compressor interface.
////////////////////////////////////////////////////////////////////////////////

// Compress codes inLimit bytes gathered from inBuffers into out.  It
// returns the compressed size, or 0 when the result would not fit in out or
// would not be smaller than inLimit.
func (rc *RangeCoder) Compress(inBuffers [][]byte, inLimit int, out []byte) int {
	if inLimit <= 0 || len(out) == 0 {
		return 0
	}

	var lengthPrefix [binary.MaxVarintLen32]byte
	prefixLen := binary.PutUvarint(lengthPrefix[:], uint64(inLimit))
	if prefixLen >= len(out) {
		return 0
	}
	copy(out, lengthPrefix[:prefixLen])

	enc := newEncoder(out[prefixLen:])
	m := newModel()

	remaining := inLimit
	for _, buf := range inBuffers {
		if remaining <= 0 {
			break
		}
		if len(buf) > remaining {
			buf = buf[:remaining]
		}
		remaining -= len(buf)

		for _, sym := range buf {
			rc.encodeSymbol(enc, m, sym)
			if enc.fail {
				return 0
			}
			m.advance(sym)
		}
	}

	size := enc.finish()
	if size == 0 || prefixLen+size >= inLimit {
		return 0
	}
	return prefixLen + size
}

func (rc *RangeCoder) encodeSymbol(enc *encoder, m *model, sym byte) {
	for _, c := range m.path() {
		if len(c.syms) == 0 {
			// An empty context escapes for free.
			continue
		}
		total := c.total + c.escapeFreq()
		if cum, freq, ok := c.find(sym); ok {
			enc.encode(cum, freq, total)
			return
		}
		enc.encode(c.total, c.escapeFreq(), total)
	}
	// Uniform fallback.
	enc.encode(uint32(sym), 1, 256)
}

// Decompress reverses Compress.  It returns the original size, or 0 when
// the input is malformed or the output buffer is too small.
func (rc *RangeCoder) Decompress(in []byte, out []byte) int {
	originalSize, prefixLen := binary.Uvarint(in)
	if prefixLen <= 0 || originalSize == 0 || originalSize > uint64(len(out)) {
		return 0
	}

	dec := newDecoder(in[prefixLen:])
	m := newModel()

	for i := 0; i < int(originalSize); i++ {
		sym, ok := rc.decodeSymbol(dec, m)
		if !ok {
			return 0
		}
		out[i] = sym
		m.advance(sym)
	}

	// A well-formed stream is fully consumed within the zero padding the
	// decoder allows for its final flush bytes.
	if dec.pos > len(dec.in)+4 {
		return 0
	}

	return int(originalSize)
}

func (rc *RangeCoder) decodeSymbol(dec *decoder, m *model) (byte, bool) {
	for _, c := range m.path() {
		if len(c.syms) == 0 {
			continue
		}
		total := c.total + c.escapeFreq()
		f := dec.freq(total)
		if f < c.total {
			sym, cum, freq := c.byFreq(f)
			dec.decode(cum, freq, total)
			return sym, true
		}
		dec.decode(c.total, c.escapeFreq(), total)
	}
	f := dec.freq(256)
	dec.decode(f, 1, 256)
	return byte(f), true
}
