package rpc

import (
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// ErrServer wraps errors reported by the server
var ErrServer = errors.New("server error")

// Client represents an allocator client. It remembers what it allocated
// so that callers can free everything on the way out.
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[physmem.VirtAddr]uint64 // addr -> size
	mu        sync.Mutex
}

// NewClient creates a new allocator client
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[physmem.VirtAddr]uint64),
	}, nil
}

// ID returns the client number
func (c *Client) ID() int { return c.id }

func (c *Client) call(method string, req, resp any) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %w", err)
	}
	return nil
}

func serverError(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrServer, msg)
}

// Kmalloc allocates size bytes on cpu and returns the address with its
// usable size
func (c *Client) Kmalloc(cpu int, size uint64, gfp hybrid.GFP) (physmem.VirtAddr, uint64, error) {
	req := &KmallocRequest{CPU: cpu, Size: size, GFP: gfp}
	resp := &KmallocResponse{}
	if err := c.call("Kmalloc", req, resp); err != nil {
		return 0, 0, err
	}
	if err := serverError(resp.Error); err != nil {
		return 0, 0, err
	}
	if resp.Addr != hybrid.ZeroSizePtr {
		c.mu.Lock()
		c.allocated[resp.Addr] = resp.Size
		c.mu.Unlock()
	}
	return resp.Addr, resp.Size, nil
}

// AllocPages allocates 2^order pages on cpu
func (c *Client) AllocPages(cpu int, order int, gfp hybrid.GFP) (physmem.VirtAddr, error) {
	req := &PagesRequest{CPU: cpu, Order: order, GFP: gfp}
	resp := &PagesResponse{}
	if err := c.call("AllocPages", req, resp); err != nil {
		return 0, err
	}
	if err := serverError(resp.Error); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.allocated[resp.Addr] = physmem.PageSize << order
	c.mu.Unlock()
	return resp.Addr, nil
}

// Free frees an allocation through the server
func (c *Client) Free(cpu int, addr physmem.VirtAddr) error {
	req := &FreeRequest{CPU: cpu, Addr: addr}
	resp := &FreeResponse{}
	if err := c.call("Free", req, resp); err != nil {
		return err
	}
	if err := serverError(resp.Error); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()
	return nil
}

// FreeAll frees everything this client still holds
func (c *Client) FreeAll(cpu int) error {
	c.mu.Lock()
	addrs := make([]physmem.VirtAddr, 0, len(c.allocated))
	for addr := range c.allocated {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()

	var errs []error
	for _, addr := range addrs {
		if err := c.Free(cpu, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Allocated returns the bytes this client holds
func (c *Client) Allocated() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, size := range c.allocated {
		n += size
	}
	return n
}

// BuddyInfo fetches the per-zone free block counts
func (c *Client) BuddyInfo() ([]hybrid.ZoneInfo, error) {
	resp := &BuddyInfoResponse{}
	if err := c.call("BuddyInfo", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Zones, nil
}

// SlabInfo fetches the slab cache list
func (c *Client) SlabInfo() ([]hybrid.SlabInfo, error) {
	resp := &SlabInfoResponse{}
	if err := c.call("SlabInfo", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Caches, nil
}

// MemInfo fetches the memory summary
func (c *Client) MemInfo() (hybrid.MemInfo, error) {
	var mi hybrid.MemInfo
	err := c.call("MemInfo", &Empty{}, &mi)
	return mi, err
}

// DrainAllPages empties the server's per-CPU page lists
func (c *Client) DrainAllPages() error {
	return c.call("DrainAllPages", &Empty{}, &Empty{})
}

// Dmesg fetches the kernel log and optionally clears it
func (c *Client) Dmesg(clear bool) ([]string, error) {
	resp := &DmesgResponse{}
	if err := c.call("Dmesg", &DmesgRequest{Clear: clear}, resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
