package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "perf-board", "prefix for generated board IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated board IDs when count > 1")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("aud", "", "audience claim")
		issuer   = flag.String("iss", "", "issuer claim")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	// ttl must clear the one minute of clock skew the verifier allows
	if *ttl <= time.Minute {
		log.Fatal("ttl must be longer than one minute")
	}

	var explicit string
	if args := flag.Args(); len(args) > 0 {
		if *count > 1 {
			log.Fatal("explicit board ID cannot be provided when generating multiple tokens")
		}
		explicit = args[0]
	}

	opts := tokenOptions{
		Secret:   []byte(os.Getenv("LOCAL_AUTH_SHARED_SECRET")),
		Audience: *audience,
		Issuer:   *issuer,
		TTL:      *ttl,
	}
	tokens, err := boardTokens(opts, *count, *prefix, *start, explicit, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
