package crypto

import (
	"fmt"
	"log/slog"
	"plugin"
	"strings"

	"cvpn/internal/domain"
)

const pluginSuffix = ".so"

// NewCipherSymbol is the symbol a cipher plugin must export:
//
//	func NewCipher(key []byte) (domain.Cipher, error)
const NewCipherSymbol = "NewCipher"

// Load produces the process-wide cipher. Order of preference: the
// configured shared library, then the compiled-in algorithm registry.
// Any failure degrades to the single-byte XOR keystream derived from
// xorKey, so endpoints with matching fallbacks keep tunneling.
func Load(libraryPath, algorithm string, key []byte, xorKey byte, log *slog.Logger) domain.Cipher {
	if libraryPath != "" {
		c, err := loadPlugin(libraryPath, key)
		if err == nil {
			log.Info("Loaded cipher plugin",
				"path", libraryPath, "algorithm", c.Name(), "version", c.Version())
			return c
		}
		log.Warn("Cipher plugin unavailable, using XOR fallback",
			"path", libraryPath, "error", err)
		return fallback(xorKey)
	}

	if algorithm != "" {
		c, err := FromAlgorithm(algorithm, key)
		if err == nil {
			log.Info("Using built-in cipher", "algorithm", c.Name(), "version", c.Version())
			return c
		}
		log.Warn("Unknown cipher algorithm, using XOR fallback",
			"algorithm", algorithm, "error", err)
	}

	return fallback(xorKey)
}

func fallback(xorKey byte) domain.Cipher {
	c, _ := NewXOR([]byte{xorKey})
	return c
}

func loadPlugin(path string, key []byte) (domain.Cipher, error) {
	if !strings.HasSuffix(path, pluginSuffix) {
		path += pluginSuffix
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}

	sym, err := p.Lookup(NewCipherSymbol)
	if err != nil {
		return nil, err
	}

	factory, ok := sym.(func(key []byte) (domain.Cipher, error))
	if !ok {
		return nil, fmt.Errorf("symbol %s has wrong type", NewCipherSymbol)
	}

	c, err := factory(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return c, nil
}
