// Command gen-token mints HS256 login tokens for local auth mode. The sub
// claim is the username the token must be presented with.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskflow/config"
)

type options struct {
	configPath string
	count      int
	prefix     string
	start      int
	output     string
	ttl        time.Duration
}

var opts options

var rootCmd = &cobra.Command{
	Use:          "gen-token [username]",
	Short:        "Mint login tokens signed with LOCAL_AUTH_SHARED_SECRET",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "config file (default $"+config.ConfigEnv+")")
	f.IntVar(&opts.count, "count", 1, "number of tokens to generate")
	f.StringVar(&opts.prefix, "prefix", "perf-user", "prefix for generated usernames when count > 1")
	f.IntVar(&opts.start, "start", 1, "starting index for generated usernames when count > 1")
	f.StringVar(&opts.output, "output", "", "file to write generated tokens as a JSON array")
	f.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if opts.count < 1 {
		return errors.New("count must be at least 1")
	}
	if opts.start < 1 {
		return errors.New("start index must be at least 1")
	}
	if len(args) > 0 && opts.count > 1 {
		return errors.New("explicit username cannot be provided when generating multiple tokens")
	}

	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.LocalAuthSharedSecret == "" {
		return errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
	}

	tokens, err := generateTokens([]byte(cfg.LocalAuthSharedSecret), opts, args, time.Now())
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	if opts.output != "" {
		if err := writeTokens(opts.output, tokens); err != nil {
			return fmt.Errorf("write tokens: %w", err)
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), tokens[0])
	return nil
}

func usernames(o options, args []string) []string {
	names := make([]string, o.count)
	for i := range names {
		switch {
		case len(args) > 0:
			names[i] = args[0]
		case o.count == 1:
			names[i] = o.prefix
		default:
			names[i] = fmt.Sprintf("%s-%d", o.prefix, o.start+i)
		}
	}
	return names
}

func generateTokens(secret []byte, o options, args []string, now time.Time) ([]string, error) {
	names := usernames(o, args)
	tokens := make([]string, len(names))
	for i, name := range names {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": name,
			"iat": now.Unix(),
			"exp": now.Add(o.ttl).Unix(),
		})
		signed, err := token.SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = signed
	}
	return tokens, nil
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
