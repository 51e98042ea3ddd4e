package txstore

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// Fixtures is the content of a serialized-transaction file: named captures
// plus named plain addresses.
type Fixtures struct {
	IDs       map[string]TransactionID
	Addresses map[string]common.Address
}

// LoadFixtures reads a flat JSON object whose values are either 0x-prefixed
// raw signed transactions or addresses, and captures every transaction under
// its key as label.
func (s *Store) LoadFixtures(path string) (*Fixtures, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeConfig, "read fixture file", err).AddContext("path", path)
	}
	var entries map[string]string
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "parse fixture file", err).AddContext("path", path)
	}
	return s.captureEntries(entries, path)
}

func (s *Store) captureEntries(entries map[string]string, source string) (*Fixtures, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Fixtures{
		IDs:       make(map[string]TransactionID),
		Addresses: make(map[string]common.Address),
	}
	for _, name := range names {
		value := strings.TrimSpace(entries[name])
		if common.IsHexAddress(value) {
			out.Addresses[name] = common.HexToAddress(value)
			continue
		}
		raw, err := hexutil.Decode(value)
		if err != nil {
			return nil, errs.WrapError(errs.ErrorTypeDecoding, "fixture value is neither address nor raw transaction", err).
				AddContext("name", name)
		}
		id, err := s.Capture(raw, Metadata{Label: name, Source: source})
		if err != nil {
			return nil, err
		}
		out.IDs[name] = id
	}
	return out, nil
}

// TxFetcher looks transactions up by hash, e.g. node.EthClient.
type TxFetcher interface {
	TxByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error)
}

// FetchFixtures downloads the named transactions concurrently, re-serializes
// each with its original signature and captures them. The result can be
// written back with WriteFixtures.
func (s *Store) FetchFixtures(ctx context.Context, client TxFetcher, hashes map[string]common.Hash) (*Fixtures, map[string]string, error) {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	raws := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			tx, err := client.TxByHash(gctx, hashes[name])
			if err != nil {
				return errs.WrapError(errs.ErrorTypeNetwork, "fetch transaction", err).
					AddContext("name", name).
					AddContext("hash", hashes[name].Hex())
			}
			raw, err := tx.MarshalBinary()
			if err != nil {
				return errs.WrapError(errs.ErrorTypeDecoding, "serialize transaction", err).AddContext("name", name)
			}
			raws[i] = hexutil.Encode(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	entries := make(map[string]string, len(names))
	for i, name := range names {
		entries[name] = raws[i]
	}
	fixtures, err := s.captureEntries(entries, "rpc")
	if err != nil {
		return nil, nil, err
	}
	return fixtures, entries, nil
}

// WriteFixtures stores entries in the format LoadFixtures reads.
func WriteFixtures(path string, entries map[string]string) error {
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errs.WrapError(errs.ErrorTypeDecoding, "encode fixtures", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errs.WrapError(errs.ErrorTypeConfig, "write fixture file", err).AddContext("path", path)
	}
	return nil
}
