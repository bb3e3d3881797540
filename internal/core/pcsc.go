package core

import (
	"fmt"
	"strings"

	"github.com/ebfe/scard"
)

// EstablishContext opens a real PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// ListReaders returns the readers visible through the given factory.
func ListReaders(factory ContextFactory) ([]Reader, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{Index: i, Name: name})
	}
	return readers, nil
}

// preferredReaders are matched when no explicit hint is configured.
var preferredReaders = []string{"ACS", "ACR122"}

// PickReader selects a reader by case-insensitive substring hint. Without a
// hint (or when nothing matches) an ACS/ACR122 reader is preferred, then the
// first reader in the list.
func PickReader(readers []string, hint string) (string, error) {
	if len(readers) == 0 {
		return "", ErrNoReaders
	}

	if hint != "" {
		h := strings.ToLower(hint)
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r), h) {
				return r, nil
			}
		}
	}

	for _, r := range readers {
		for _, p := range preferredReaders {
			if strings.Contains(r, p) {
				return r, nil
			}
		}
	}
	return readers[0], nil
}
