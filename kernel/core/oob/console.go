package oob

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nmxmxh/xenshm/kernel/core/common"
)

// Console prompts an operator for the bootstrap values and prints the
// local ones. It is the manual exchange the test tools default to.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsole wraps in and out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Publish prints b for the operator to copy to the other domain.
func (c *Console) Publish(_ context.Context, b common.Bootstrap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "Local domain id: %d\nGrant reference id: %d\n", b.DomID, b.GrantRef)
	return err
}

// Receive asks for the distant domain id and the grant reference.
func (c *Console) Receive(ctx context.Context) (common.Bootstrap, error) {
	dom, err := c.AskDomain(ctx)
	if err != nil {
		return common.Bootstrap{}, err
	}
	ref, err := c.ask(ctx, "Grant reference id", 32)
	if err != nil {
		return common.Bootstrap{}, err
	}
	b := common.Bootstrap{DomID: dom, GrantRef: common.GrantRef(ref)}
	return b, validate(b)
}

// AskDomain asks only for the distant domain id. The exposer needs it
// before it can offer.
func (c *Console) AskDomain(ctx context.Context) (common.DomainID, error) {
	v, err := c.ask(ctx, "Distant domain id", 16)
	if err != nil {
		return 0, err
	}
	return common.DomainID(v), nil
}

func (c *Console) ask(ctx context.Context, prompt string, bits int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(c.out, "%s: ", prompt); err != nil {
		return 0, err
	}
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return 0, fmt.Errorf("read %s: %w", strings.ToLower(prompt), err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(line), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, strings.ToLower(prompt), strings.TrimSpace(line))
	}
	return v, nil
}

// Close is a no-op; the streams belong to the caller.
func (c *Console) Close() error { return nil }
