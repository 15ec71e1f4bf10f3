// Package main загружает лицензионные ключи в пул продукта.
//
// Ключи читаются по одному на строку из файла или stdin:
//
//	importkeys -product FF -f keys.txt
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/repository"
	"github.com/mmeshcher/licensebot/internal/validation"
)

type options struct {
	DatabaseURI string `env:"DATABASE_URI"`
	Product     string
	File        string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	_ = godotenv.Load()

	var opts options
	if err := env.Parse(&opts); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	fromEnv := opts.DatabaseURI

	flag.StringVar(&opts.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&opts.Product, "product", "", "product code (FF or FF-MAX)")
	flag.StringVar(&opts.File, "f", "-", "file with keys, one per line; - for stdin")
	flag.Parse()

	if fromEnv != "" {
		opts.DatabaseURI = fromEnv
	}
	if opts.DatabaseURI == "" {
		sugar.Fatal("database URI is required")
	}

	product, err := model.ParseProduct(opts.Product)
	if err != nil {
		sugar.Fatalw("invalid product", "error", err.Error())
	}

	in := io.Reader(os.Stdin)
	if opts.File != "-" {
		f, err := os.Open(opts.File)
		if err != nil {
			sugar.Fatalw("open keys file", "error", err.Error())
		}
		defer f.Close()
		in = f
	}

	keys, rejected, err := readKeys(in)
	if err != nil {
		sugar.Fatalw("read keys", "error", err.Error())
	}
	for _, line := range rejected {
		sugar.Warnw("invalid key skipped", "line", line)
	}

	repo, err := repository.NewPostgresRepository(opts.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	added, err := repo.AddLicenseKeys(ctx, product, keys)
	if err != nil {
		sugar.Fatalw("import keys", "error", err.Error())
	}

	available, err := repo.AvailableKeys(ctx, product)
	if err != nil {
		sugar.Fatalw("count keys", "error", err.Error())
	}

	sugar.Infow("keys imported",
		"product", string(product),
		"read", len(keys),
		"added", added,
		"duplicates", int64(len(keys))-added,
		"available", available,
	)
}

// readKeys читает ключи по одному на строку. Пустые строки и строки с # пропускаются,
// повторы внутри файла отбрасываются.
func readKeys(r io.Reader) (keys []string, rejected []string, err error) {
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, ok := validation.NormalizeLicenseKey(line)
		if !ok {
			rejected = append(rejected, line)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, rejected, nil
}
