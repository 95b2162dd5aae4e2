package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/contactgate/contactgate/pkg/contactgate"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
	yaml "gopkg.in/yaml.v2"
)

// quotaReport is the yaml view of a RateLimitResult
type quotaReport struct {
	Identity   string `yaml:"identity"`
	Policy     string `yaml:"policy"`
	Allowed    bool   `yaml:"allowed"`
	Count      uint64 `yaml:"count"`
	Remaining  uint64 `yaml:"remaining"`
	Reset      string `yaml:"reset"`
	RetryAfter int64  `yaml:"retryAfter"`
	FailedOpen bool   `yaml:"failedOpen"`
}

func main() {
	godotenv.Load()

	app := kingpin.New("contactgate-cli", "cli interface for inspecting contactgate rate limits")
	logLevel := app.Flag("log-level", "log level.").Short('l').Default("error").OverrideDefaultFromEnvar("LOG_LEVEL").String()
	redisURL := app.Flag("redis-url", "redis url, takes precedence over redis-address.").OverrideDefaultFromEnvar("REDIS_URL").String()
	redisAddress := app.Flag("redis-address", "host:port.").Short('r').OverrideDefaultFromEnvar("REDIS_ADDRESS").String()
	reqLimit := app.Flag("limit", "requests admitted per window.").Short('q').Default("5").OverrideDefaultFromEnvar("LIMIT").Uint64()
	limitWindow := app.Flag("limit-window", "sliding window length.").Short('y').Default("1h").OverrideDefaultFromEnvar("LIMIT_WINDOW").Duration()
	limitNamespace := app.Flag("limit-namespace", "key namespace for counters").Default("rate_limit").OverrideDefaultFromEnvar("LIMIT_NAMESPACE").String()
	policyFile := app.Flag("policy-file", "RateLimitPolicy yaml file, overrides the limit flags").OverrideDefaultFromEnvar("POLICY_FILE").String()
	timeout := app.Flag("timeout", "time allowed for each redis operation").Default("2s").Duration()

	statusCmd := app.Command("status", "Show the quota of an identity without consuming it")
	statusIP := statusCmd.Arg("ip", "client ip").Required().String()

	resetCmd := app.Command("reset", "Forget every request recorded for an identity")
	resetIP := resetCmd.Arg("ip", "client ip").Required().String()

	resolveCmd := app.Command("resolve", "Show the identity a request with the given headers resolves to")
	resolveHeaders := resolveCmd.Flag("header", "request header as Name: value, repeatable").Short('H').Strings()
	resolveRemoteAddr := resolveCmd.Flag("remote-addr", "address of the connection").Default("").String()

	checkStoreCmd := app.Command("check-store", "Verify redis answers reads and writes")

	selectedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	if selectedCmd == resolveCmd.FullCommand() {
		identity, err := resolve(*resolveHeaders, *resolveRemoteAddr)
		if err != nil {
			fatalerror(err)
		}
		fmt.Println(identity)
		return
	}

	policy := contactgate.RateLimitPolicy{Limit: *reqLimit, Window: *limitWindow, Namespace: *limitNamespace}
	if len(*policyFile) > 0 {
		policy, err = contactgate.LoadPolicyFile(*policyFile, logger)
		if err != nil {
			fatalerror(err)
		}
	}

	redis, err := contactgate.NewRedisClient(*redisURL, *redisAddress, 1)
	if err != nil {
		fatalerror(fmt.Errorf("unable to create redis client: %v", err))
	}
	defer redis.Close()

	store := contactgate.NewRedisCounterStore(redis, logger)
	limiter := contactgate.NewSlidingWindowLimiter(store, logger, contactgate.NullReporter{}, contactgate.WithTimeout(*timeout))

	switch selectedCmd {
	case statusCmd.FullCommand():
		report, err := status(limiter, *statusIP, policy)
		if err != nil {
			fatalerror(err)
		}
		fmt.Print(report)
	case resetCmd.FullCommand():
		if err := reset(limiter, *resetIP, policy, *timeout); err != nil {
			fatalerror(fmt.Errorf("error resetting %v: %v", *resetIP, err))
		}
	case checkStoreCmd.FullCommand():
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			fatalerror(fmt.Errorf("counter store is unhealthy: %v", err))
		}
		fmt.Println("ok")
	}
}

func identityOf(ip string) (string, error) {
	candidate := contactgate.StripPort(ip)
	if !contactgate.IsValidIPv4(candidate) && !contactgate.IsValidIPv6(candidate) {
		return "", fmt.Errorf("%q is not an ip address", ip)
	}
	return contactgate.NormalizeIP(candidate), nil
}

func status(limiter *contactgate.SlidingWindowLimiter, ip string, policy contactgate.RateLimitPolicy) (string, error) {
	identity, err := identityOf(ip)
	if err != nil {
		return "", err
	}

	result := limiter.Status(context.Background(), identity, policy)
	report := quotaReport{
		Identity:   identity,
		Policy:     policy.String(),
		Allowed:    result.Allowed,
		Count:      result.Count,
		Remaining:  result.Remaining,
		Reset:      result.ResetTime.UTC().Format(time.RFC3339),
		RetryAfter: result.RetryAfterSeconds,
		FailedOpen: result.FailedOpen,
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("error marshaling status yaml: %v", err)
	}
	return string(out), nil
}

func reset(limiter *contactgate.SlidingWindowLimiter, ip string, policy contactgate.RateLimitPolicy, timeout time.Duration) error {
	identity, err := identityOf(ip)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return limiter.Reset(ctx, identity, policy)
}

func resolve(headers []string, remoteAddr string) (string, error) {
	header := http.Header{}
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("header %q is not in Name: value form", h)
		}
		header.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	return contactgate.DefaultIdentityResolver().Resolve(header, remoteAddr), nil
}

func fatalerror(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
