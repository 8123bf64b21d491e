package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/houseofcat/turbocookedgremlin/pkg/tcg"
)

const (
	passphraseEnv = "TCG_TOPOLOGY_PASSPHRASE"
	saltEnv       = "TCG_TOPOLOGY_SALT"
)

type options struct {
	configPath  string
	count       int
	query       string
	logLevel    string
	metricsAddr string
	watch       bool
}

// NewProbeCommand builds the tcgprobe command: it loads a seasoning file, follows the configured
// topology sources, submits a query over a number of acquired connections and prints the pool status.
func NewProbeCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	command := &cobra.Command{
		Use:   "tcgprobe",
		Short: "probe a pool of Gremlin Server endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, stdout)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	command.SetErr(stderr)

	flags := command.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the seasoning JSON file")
	flags.IntVar(&opts.count, "count", 10, "number of connections to acquire")
	flags.StringVar(&opts.query, "query", "g.V().limit(1)", "gremlin script submitted on each connection")
	flags.StringVar(&opts.logLevel, "log-level", log.InfoLevel.String(), "log level, must be one of: panic, fatal, error, warn, info, debug, trace")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address when set")
	flags.BoolVar(&opts.watch, "watch", false, "keep following topology changes until interrupted")
	_ = command.MarkFlagRequired("config")

	return command
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {

	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	config, err := tcg.ConvertJSONFileToConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("unable to read config %s: %w", opts.configPath, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errorHandler := func(err error) {
		log.WithField("component", "tcgprobe").Debugf("pool error: %s", err)
	}

	fileSource, amqpSource, err := newTopologySources(config.TopologyConfig, errorHandler)
	if err != nil {
		return err
	}

	if fileSource == nil && amqpSource == nil {
		return errors.New("config needs a TopologyConfig with an EndpointsFile or an AMQPConfig")
	}

	var eagerRefreshHandler tcg.EagerRefreshHandler
	if fileSource != nil {
		eagerRefreshHandler = fileSource.Endpoints
	} else {
		eagerRefreshHandler = amqpSource.Endpoints
	}

	client, err := tcg.NewClientFromConfig(config, eagerRefreshHandler, errorHandler)
	if err != nil {
		return err
	}
	client.Init()

	sourceCtx, cancelSources := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	if fileSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fileSource.Watch(sourceCtx, client); err != nil {
				log.Warnf("endpoints file watch stopped: %s", err)
			}
		}()
	}

	if amqpSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = amqpSource.Consume(sourceCtx, client)
		}()
	}

	metricsServer := startMetricsServer(opts.metricsAddr)

	probe(ctx, client, opts)

	if opts.watch {
		<-ctx.Done()
	}

	fmt.Fprintln(stdout, client.String())

	cancelSources()
	wg.Wait()

	closeErr := client.Close()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return closeErr
}

func newTopologySources(config *tcg.TopologyConfig, errorHandler func(error)) (*tcg.FileTopologySource, *tcg.AMQPTopologySource, error) {

	if config == nil {
		return nil, nil, nil
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	var fileSource *tcg.FileTopologySource
	if config.EndpointsFile != "" {
		source, err := tcg.NewFileTopologySource(config.EndpointsFile, log.WithField("component", "file-topology"))
		if err != nil {
			return nil, nil, err
		}
		fileSource = source
	}

	var amqpSource *tcg.AMQPTopologySource
	if config.AMQPConfig != nil {
		encryption := config.AMQPConfig.EncryptionConfig
		if encryption != nil && encryption.Enabled {
			if err := encryption.Hash(os.Getenv(passphraseEnv), os.Getenv(saltEnv)); err != nil {
				return nil, nil, fmt.Errorf("%s and %s must be set for encrypted topology: %w", passphraseEnv, saltEnv, err)
			}
		}

		source, err := tcg.NewAMQPTopologySource(config.AMQPConfig, log.WithField("component", "amqp-topology"), errorHandler)
		if err != nil {
			return nil, nil, err
		}
		amqpSource = source
	}

	return fileSource, amqpSource, nil
}

func probe(ctx context.Context, client *tcg.Client, opts *options) {

	for i := 0; i < opts.count; i++ {
		if ctx.Err() != nil {
			return
		}

		logger := log.WithField("attempt", i)

		msg := tcg.NewEvalRequest(opts.query, nil)
		connection, err := client.ChooseConnection(ctx, msg)
		if err != nil {
			var unavailable *tcg.EndpointsUnavailableError
			if errors.As(err, &unavailable) {
				logger.Warnf("endpoints unavailable: %v", unavailable.ReasonList())
				continue
			}

			logger.Warnf("unable to acquire connection: %s", err)
			continue
		}

		wsConnection, ok := connection.(*tcg.WSConnection)
		if !ok {
			connection.Release(false)
			continue
		}

		err = submit(wsConnection, msg)
		if err != nil {
			logger.Warnf("%s: %s", wsConnection.ConnectionInfo(), err)
		}

		wsConnection.Release(err != nil)
	}
}

func submit(connection *tcg.WSConnection, msg *tcg.RequestMessage) error {

	if err := connection.Submit(msg); err != nil {
		return err
	}

	response, err := connection.Receive()
	if err != nil {
		return err
	}

	log.WithField("endpoint", connection.Endpoint().Address).Infof("received %d bytes", len(response))

	return nil
}

func startMetricsServer(addr string) *http.Server {

	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server stopped: %s", err)
		}
	}()

	return server
}
