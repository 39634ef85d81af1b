package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// ParseEnv loads configuration from environment variables.
//
// Fields typed as ByteSize accept human-readable values such as "50MB".
func ParseEnv(target any) error {
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)): func(v string) (any, error) {
				return ParseByteSize(v)
			},
		},
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from the given dotenv files into the process
// environment without overriding values that are already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ByteSize is a size in bytes parsed from human-readable strings.
type ByteSize int64

// ParseByteSize parses values such as "512KiB", "50MB" or "1048576".
func ParseByteSize(v string) (ByteSize, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", v, err)
	}
	return ByteSize(n), nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Set implements flag.Value.
func (b *ByteSize) Set(v string) error {
	parsed, err := ParseByteSize(v)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
