package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/contactgate/contactgate/pkg/contactgate"
	"github.com/go-redis/redis"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	// variables from .env behave like real environment variables, which still win
	dotenvErr := godotenv.Load()

	logLevel := kingpin.Flag("log-level", "log level.").Short('l').Default("warn").OverrideDefaultFromEnvar("LOG_LEVEL").String()
	address := kingpin.Flag("address", "host:port.").Short('a').Default("0.0.0.0:3000").OverrideDefaultFromEnvar("ADDRESS").String()

	storeKind := kingpin.Flag("store", "counter store, redis or memory.").Short('s').Default("redis").OverrideDefaultFromEnvar("STORE").Enum("redis", "memory")
	redisURL := kingpin.Flag("redis-url", "redis url, takes precedence over redis-address.").OverrideDefaultFromEnvar("REDIS_URL").String()
	redisAddress := kingpin.Flag("redis-address", "host:port.").Short('r').OverrideDefaultFromEnvar("REDIS_ADDRESS").String()
	redisPoolSize := kingpin.Flag("redis-pool-size", "redis connection pool size").Short('p').Default("20").OverrideDefaultFromEnvar("REDIS_POOL_SIZE").Int()
	memoryMaxKeys := kingpin.Flag("memory-max-keys", "identities tracked by the memory store").Default("10000").OverrideDefaultFromEnvar("MEMORY_MAX_KEYS").Int()
	memoryPruneInterval := kingpin.Flag("memory-prune-interval", "interval to drop expired identities from the memory store").Default("1m").OverrideDefaultFromEnvar("MEMORY_PRUNE_INTERVAL").Duration()

	reqLimit := kingpin.Flag("limit", "requests admitted per window.").Short('q').Default("5").OverrideDefaultFromEnvar("LIMIT").Uint64()
	limitWindow := kingpin.Flag("limit-window", "sliding window length. supports time.ParseDuration format.").Short('y').Default("1h").OverrideDefaultFromEnvar("LIMIT_WINDOW").Duration()
	limitNamespace := kingpin.Flag("limit-namespace", "key namespace for counters").Default("rate_limit").OverrideDefaultFromEnvar("LIMIT_NAMESPACE").String()
	policyFile := kingpin.Flag("policy-file", "RateLimitPolicy yaml file, overrides the limit flags").OverrideDefaultFromEnvar("POLICY_FILE").String()
	limiterTimeout := kingpin.Flag("limiter-timeout", "time allowed for a rate limit decision before failing open").Default("500ms").OverrideDefaultFromEnvar("LIMITER_TIMEOUT").Duration()
	strict := kingpin.Flag("strict", "serialize decisions per identity so concurrent requests never exceed the limit").Default("false").OverrideDefaultFromEnvar("STRICT").Bool()
	exemptCIDRs := kingpin.Flag("exempt-cidr", "CIDR admitted without counting, repeatable").OverrideDefaultFromEnvar("EXEMPT_CIDRS").Strings()

	allowedOrigin := kingpin.Flag("allowed-origin", "Access-Control-Allow-Origin for the emails endpoint").Default("*").OverrideDefaultFromEnvar("ALLOWED_ORIGIN").String()
	enforceSameOrigin := kingpin.Flag("enforce-same-origin", "reject POSTs whose Origin does not match Host").Default("true").OverrideDefaultFromEnvar("ENFORCE_SAME_ORIGIN").Bool()
	maxBodyBytes := kingpin.Flag("max-body-bytes", "largest accepted request body").Default("1048576").OverrideDefaultFromEnvar("MAX_BODY_BYTES").Int64()
	csp := kingpin.Flag("csp", "Content-Security-Policy header value").Default(contactgate.DefaultContentSecurityPolicy).OverrideDefaultFromEnvar("CONTENT_SECURITY_POLICY").String()

	mailerKind := kingpin.Flag("mailer", "mail delivery, resend or log.").Default("resend").OverrideDefaultFromEnvar("MAILER").Enum("resend", "log")
	resendAPIKey := kingpin.Flag("resend-api-key", "resend api key").OverrideDefaultFromEnvar("RESEND_API_KEY").String()
	resendFromEmail := kingpin.Flag("resend-from-email", "sender address").OverrideDefaultFromEnvar("RESEND_FROM_EMAIL").String()
	resendToEmail := kingpin.Flag("resend-to-email", "recipient address").OverrideDefaultFromEnvar("RESEND_TO_EMAIL").String()
	resendBaseURL := kingpin.Flag("resend-base-url", "resend api endpoint override").OverrideDefaultFromEnvar("RESEND_BASE_URL").String()
	siteName := kingpin.Flag("site-name", "display name of the sender").OverrideDefaultFromEnvar("SITE_NAME").String()

	dogstatsdAddress := kingpin.Flag("dogstatsd-address", "host:port.").Short('d').OverrideDefaultFromEnvar("DOGSTATSD_ADDRESS").String()
	dogstatsdTags := kingpin.Flag("dogstatsd-tag", "tag to add to dogstatsd metrics").Strings()
	metricsAddress := kingpin.Flag("metrics-address", "host:port to serve prometheus metrics on").OverrideDefaultFromEnvar("METRICS_ADDRESS").String()
	kingpin.Parse()

	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.ErrorLevel
	}

	logger.Warnf("setting log level to %v", level)
	logger.SetLevel(level)

	if dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		logger.WithError(dotenvErr).Warn("could not load .env")
	}

	l, err := net.Listen("tcp", *address)
	if err != nil {
		logger.WithError(err).Errorf("could not listen on %s", *address)
		os.Exit(1)
	}

	wg := sync.WaitGroup{}
	stop := make(chan struct{})

	// exit flushes buffered metrics, deferred calls do not run on os.Exit
	var ddStatsd *statsd.Client
	exit := func(code int) {
		if ddStatsd != nil {
			ddStatsd.Close()
		}
		os.Exit(code)
	}

	var reporter contactgate.MetricReporter
	switch {
	case len(*dogstatsdAddress) > 0:
		ddStatsd, err = statsd.New(*dogstatsdAddress, statsd.WithNamespace("contactgate."))
		if err != nil {
			logger.WithError(err).Errorf("could create dogstatsd client with address %s", *dogstatsdAddress)
			os.Exit(1)
		}

		reporter = contactgate.NewDataDogReporter(ddStatsd, *dogstatsdTags, logger.WithField("context", "datadog-reporter"))
	case len(*metricsAddress) > 0:
		registry := prometheus.NewRegistry()
		reporter = contactgate.NewPrometheusReporter(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: contactgate.DefaultReadHeaderTimeout}

		logger.Infof("serving prometheus metrics on %v", *metricsAddress)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("error serving metrics")
			}
		}()
		go func() {
			<-stop
			metricsServer.Close()
		}()
	default:
		reporter = contactgate.NullReporter{}
	}

	policy := contactgate.RateLimitPolicy{Limit: *reqLimit, Window: *limitWindow, Namespace: *limitNamespace}
	if len(*policyFile) > 0 {
		policy, err = contactgate.LoadPolicyFile(*policyFile, logger.WithField("context", "policy-file"))
		if err != nil {
			logger.WithError(err).Error("could not load policy file")
			exit(1)
		}
	}
	if err := policy.Validate(); err != nil {
		logger.WithError(err).Errorf("invalid %v", policy)
		exit(1)
	}
	logger.Infof("parsed %v", policy)

	var store contactgate.CounterStore
	var redisClient *redis.Client
	switch *storeKind {
	case "redis":
		redisClient, err = contactgate.NewRedisClient(*redisURL, *redisAddress, *redisPoolSize)
		if err != nil {
			logger.WithError(err).Error("could not configure redis")
			exit(1)
		}
		logger.Infof("setting up redis client with address of %v and pool size of %v", redisClient.Options().Addr, redisClient.Options().PoolSize)
		store = contactgate.NewRedisCounterStore(redisClient, logger.WithField("context", "redis-counter-store"))
	case "memory":
		memoryStore, err := contactgate.NewMemoryCounterStore(*memoryMaxKeys, logger.WithField("context", "memory-counter-store"), reporter)
		if err != nil {
			logger.WithError(err).Error("could not create memory store")
			exit(1)
		}

		logger.Warn("using the memory counter store, limits are not shared between instances")
		wg.Add(1)
		go func() {
			defer wg.Done()
			memoryStore.Run(*memoryPruneInterval, stop)
		}()
		store = memoryStore
	}

	limiterOpts := []contactgate.LimiterOption{contactgate.WithTimeout(*limiterTimeout)}
	if *strict {
		if redisClient != nil {
			limiterOpts = append(limiterOpts, contactgate.WithLocker(contactgate.NewRedisLocker(redisClient, logger.WithField("context", "redis-locker"))))
		} else {
			limiterOpts = append(limiterOpts, contactgate.WithLocker(contactgate.NewKeyedMutexLocker()))
		}
		logger.Info("strict mode enabled")
	}
	limiter := contactgate.NewSlidingWindowLimiter(store, logger.WithField("context", "sliding-window-limiter"), reporter, limiterOpts...)

	exempt, err := contactgate.ParseCIDRs(*exemptCIDRs)
	if err != nil {
		logger.WithError(err).Error("could not parse exempt cidrs")
		exit(1)
	}
	exempter := contactgate.NewExempter(exempt, logger.WithField("context", "exempter"))

	var mailer contactgate.Mailer
	mailerConf := contactgate.MailerConfig{
		APIKey:    *resendAPIKey,
		FromEmail: *resendFromEmail,
		ToEmail:   *resendToEmail,
		SiteName:  *siteName,
	}
	switch {
	case *mailerKind == "log":
		mailer = contactgate.NewLogMailer(logger.WithField("context", "log-mailer"))
	case mailerConf.Configured():
		resendMailer, err := contactgate.NewResendMailer(mailerConf, *resendBaseURL, logger.WithField("context", "resend-mailer"))
		if err != nil {
			logger.WithError(err).Error("could not create resend mailer")
			exit(1)
		}
		mailer = resendMailer
	default:
		logger.Error("resend is not configured, contact form submissions will fail")
	}

	conf := contactgate.ServerConfig{
		Policy:                policy,
		AllowedOrigin:         *allowedOrigin,
		EnforceSameOrigin:     *enforceSameOrigin,
		MaxBodyBytes:          *maxBodyBytes,
		ContentSecurityPolicy: *csp,
	}
	server := contactgate.NewServer(conf, contactgate.DefaultIdentityResolver(), limiter, store, mailer, exempter, logger.WithField("context", "server"), reporter)

	wg.Add(1)
	go func() {
		defer wg.Done()
		waitGracefulStop(stop)
	}()

	logger.Infof("starting server on %v", *address)
	err = server.Serve(l, stop)
	if err != nil {
		logger.WithError(err).Error("error running server")
	}

	logger.Info("stopping server")

	closeStop(stop)
	if redisClient != nil {
		redisClient.Close()
	}

	wg.Wait()

	logger.Info("goodbye")
	if err != nil {
		exit(1)
	}
	exit(0)
}

var stopOnce sync.Once

func closeStop(stop chan struct{}) {
	stopOnce.Do(func() { close(stop) })
}

func waitGracefulStop(stop chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-stop:
	case <-sigCh:
		closeStop(stop)
	}
}
