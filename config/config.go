// Package config describes a simulated machine and the memory manager
// tunables in TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Size is a byte count. In TOML it is an integer or a string with a K, M
// or G suffix.
type Size uint64

var sizeSuffixes = map[byte]uint64{'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30}

// UnmarshalText parses "4096", "0x1000", "64K", "16M" or "1G"
func (s *Size) UnmarshalText(text []byte) error {
	str := strings.ReplaceAll(strings.TrimSpace(string(text)), "_", "")
	if str == "" {
		return fmt.Errorf("%w: empty size", ErrInvalid)
	}
	mult := uint64(1)
	if m, ok := sizeSuffixes[str[len(str)-1]&^0x20]; ok {
		mult = m
		str = str[:len(str)-1]
	}
	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return fmt.Errorf("%w: size %q: %v", ErrInvalid, text, err)
	}
	if v > ^uint64(0)/mult {
		return fmt.Errorf("%w: size %q overflows", ErrInvalid, text)
	}
	*s = Size(v * mult)
	return nil
}

// MarshalText writes the size with the largest exact suffix
func (s Size) MarshalText() ([]byte, error) {
	v := uint64(s)
	for _, suffix := range []byte{'G', 'M', 'K'} {
		if m := sizeSuffixes[suffix]; v != 0 && v%m == 0 {
			return []byte(strconv.FormatUint(v/m, 10) + string(suffix)), nil
		}
	}
	return []byte(strconv.FormatUint(v, 10)), nil
}

// Addr is a physical address, usually written in hex
type Addr uint64

// UnmarshalText parses an integer literal in any base TOML allows
func (a *Addr) UnmarshalText(text []byte) error {
	str := strings.ReplaceAll(strings.TrimSpace(string(text)), "_", "")
	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalid, text, err)
	}
	*a = Addr(v)
	return nil
}

// MarshalText writes the address in hex
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(a))), nil
}

// RegionFlag is one memblock region attribute by name
type RegionFlag memblock.Flags

var regionFlagNames = map[string]memblock.Flags{
	"nomap":   memblock.FlagNoMap,
	"dma":     memblock.FlagDMA,
	"movable": memblock.FlagMovable,
}

// UnmarshalText parses "nomap", "dma" or "movable"
func (f *RegionFlag) UnmarshalText(text []byte) error {
	v, ok := regionFlagNames[strings.ToLower(string(text))]
	if !ok {
		return fmt.Errorf("%w: unknown region flag %q", ErrInvalid, text)
	}
	*f = RegionFlag(v)
	return nil
}

// MarshalText writes the flag name
func (f RegionFlag) MarshalText() ([]byte, error) {
	return []byte(memblock.Flags(f).String()), nil
}

// Range is a physical address range
type Range struct {
	Base Addr `toml:"base"`
	Size Size `toml:"size"`
}

// End returns the first address past the range
func (r Range) End() uint64 { return uint64(r.Base) + uint64(r.Size) }

// Region is a range of RAM
type Region struct {
	Base  Addr         `toml:"base"`
	Size  Size         `toml:"size"`
	Flags []RegionFlag `toml:"flags,omitempty"`
}

// MemblockFlags combines the region's flags
func (r Region) MemblockFlags() memblock.Flags {
	var f memblock.Flags
	for _, flag := range r.Flags {
		f |= memblock.Flags(flag)
	}
	return f
}

// Memblock tunes the region tracker
type Memblock struct {
	Regions  int  `toml:"regions"`
	BottomUp bool `toml:"bottom_up"`
	Debug    bool `toml:"debug"`
}

// Buddy tunes the per-CPU page lists. Zero derives them from zone size.
type Buddy struct {
	PCPBatch int `toml:"pcp_batch"`
	PCPHigh  int `toml:"pcp_high"`
}

// Slab tunes slab layout and kmalloc
type Slab struct {
	MinOrder        int `toml:"min_order"`
	MaxOrder        int `toml:"max_order"`
	MinObjects      int `toml:"min_objects"`
	MinPartial      int `toml:"min_partial"`
	KmallocMinAlign int `toml:"kmalloc_min_align"`
}

// Log configures klog
type Log struct {
	Level    string `toml:"level"`
	RingSize int    `toml:"ring_size"`
}

// Config is a machine and its memory manager settings
type Config struct {
	CPUs        int      `toml:"cpus"`
	KernelImage Range    `toml:"kernel_image"`
	Memory      []Region `toml:"memory"`
	Reserved    []Range  `toml:"reserved"`
	Memblock    Memblock `toml:"memblock"`
	Buddy       Buddy    `toml:"buddy"`
	Slab        Slab     `toml:"slab"`
	Log         Log      `toml:"log"`
}

// Default returns a four CPU machine with 256M of RAM at 0x40000000, the
// first 32M of it DMA capable, and a 2M kernel image at 0x40080000
func Default() *Config {
	opts := hybrid.DefaultOptions()
	return &Config{
		CPUs:        opts.CPUs,
		KernelImage: Range{Base: 0x40080000, Size: 2 << 20},
		Memory: []Region{
			{Base: 0x40000000, Size: 32 << 20, Flags: []RegionFlag{RegionFlag(memblock.FlagDMA)}},
			{Base: 0x42000000, Size: 224 << 20},
		},
		Memblock: Memblock{Regions: memblock.DefaultRegions},
		Buddy:    Buddy{PCPBatch: opts.PCPBatch, PCPHigh: opts.PCPHigh},
		Slab: Slab{
			MinOrder:        opts.SlabMinOrder,
			MaxOrder:        opts.SlabMaxOrder,
			MinObjects:      opts.SlabMinObjects,
			MinPartial:      opts.MinPartial,
			KmallocMinAlign: opts.KmallocMinAlign,
		},
		Log: Log{Level: "info", RingSize: klog.DefaultRingSize},
	}
}

// Parse reads a TOML document on top of the defaults and validates it.
// Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// a document that lists memory replaces the default layout
	cfg.Memory = nil
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("%w: line %d column %d: %v", ErrInvalid, row, col, derr)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Memory == nil {
		cfg.Memory = Default().Memory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates a TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the configuration as TOML
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate checks every field and the cross-field constraints
func (c *Config) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.Memory) == 0 {
		return fmt.Errorf("%w: no memory regions", ErrInvalid)
	}
	if c.Memblock.Regions < 1 {
		return fmt.Errorf("%w: memblock.regions %d", ErrInvalid, c.Memblock.Regions)
	}
	if len(c.Memory) > c.Memblock.Regions || len(c.Reserved)+1 > c.Memblock.Regions {
		return fmt.Errorf("%w: more regions than memblock.regions %d", ErrInvalid, c.Memblock.Regions)
	}
	if _, err := klog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	for i, r := range c.Memory {
		if r.Size == 0 {
			return fmt.Errorf("%w: memory[%d] is empty", ErrInvalid, i)
		}
		if uint64(r.Base)%physmem.PageSize != 0 || uint64(r.Size)%physmem.PageSize != 0 {
			return fmt.Errorf("%w: memory[%d] [%#x+%#x] is not page aligned", ErrInvalid, i, uint64(r.Base), uint64(r.Size))
		}
		if uint64(r.Base)+uint64(r.Size) < uint64(r.Base) {
			return fmt.Errorf("%w: memory[%d] wraps around", ErrInvalid, i)
		}
		f := r.MemblockFlags()
		if f&memblock.FlagDMA != 0 && f&memblock.FlagMovable != 0 {
			return fmt.Errorf("%w: memory[%d] is both dma and movable", ErrInvalid, i)
		}
		for j, o := range c.Memory[:i] {
			if uint64(r.Base) < uint64(o.Base)+uint64(o.Size) && uint64(o.Base) < uint64(r.Base)+uint64(r.Size) {
				return fmt.Errorf("%w: memory[%d] overlaps memory[%d]", ErrInvalid, i, j)
			}
		}
	}
	if k := c.KernelImage; k.Size != 0 && !c.covered(k) {
		return fmt.Errorf("%w: kernel image [%#x-%#x) is outside of memory", ErrInvalid, uint64(k.Base), k.End())
	}
	for i, r := range c.Reserved {
		if r.Size == 0 {
			return fmt.Errorf("%w: reserved[%d] is empty", ErrInvalid, i)
		}
	}
	return nil
}

// covered reports whether one memory region holds all of r
func (c *Config) covered(r Range) bool {
	for _, m := range c.Memory {
		if uint64(r.Base) >= uint64(m.Base) && r.End() <= uint64(m.Base)+uint64(m.Size) {
			return true
		}
	}
	return false
}

// Options returns the allocator tunables
func (c *Config) Options() hybrid.Options {
	return hybrid.Options{
		CPUs:            c.CPUs,
		PCPBatch:        c.Buddy.PCPBatch,
		PCPHigh:         c.Buddy.PCPHigh,
		SlabMinOrder:    c.Slab.MinOrder,
		SlabMaxOrder:    c.Slab.MaxOrder,
		SlabMinObjects:  c.Slab.MinObjects,
		MinPartial:      c.Slab.MinPartial,
		KmallocMinAlign: c.Slab.KmallocMinAlign,
	}
}

// ApplyLog sets the klog level and ring size
func (c *Config) ApplyLog() error {
	level, err := klog.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	klog.SetLevel(level)
	if c.Log.RingSize > 0 {
		klog.SetRingSize(c.Log.RingSize)
	}
	return nil
}

// NewMemblock builds the boot-time region tracker the firmware would have
// described: RAM with its flags, the kernel image and the reservations
func (c *Config) NewMemblock() (*memblock.Memblock, error) {
	mb := memblock.NewWithCapacity(c.Memblock.Regions)
	mb.SetDebug(c.Memblock.Debug)
	for i, r := range c.Memory {
		if err := mb.AddRange(physmem.PhysAddr(r.Base), uint64(r.Size), r.MemblockFlags()); err != nil {
			return nil, fmt.Errorf("memory[%d]: %w", i, err)
		}
	}
	if k := c.KernelImage; k.Size != 0 {
		start := physmem.PhysAddr(k.Base)
		mb.SetKernelImage(start, physmem.PhysAddr(k.End()))
		if err := mb.Reserve(start, uint64(k.Size)); err != nil {
			return nil, fmt.Errorf("kernel image: %w", err)
		}
	}
	for i, r := range c.Reserved {
		if err := mb.Reserve(physmem.PhysAddr(r.Base), uint64(r.Size)); err != nil {
			return nil, fmt.Errorf("reserved[%d]: %w", i, err)
		}
	}
	mb.SetBottomUp(c.Memblock.BottomUp)
	return mb, nil
}

// Boot builds the region tracker and hands it to a new allocator
func (c *Config) Boot() (*hybrid.Allocator, error) {
	mb, err := c.NewMemblock()
	if err != nil {
		return nil, err
	}
	return hybrid.Boot(mb, c.Options())
}
