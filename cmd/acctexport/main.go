// acctexport is the plugin entrypoint: the single-threaded cooperative
// ingest loop wiring the ring consumer, decorator chain, aggregation
// cache, and publication engine together against one computed wait
// timeout per iteration.
//
// Startup/shutdown ordering (schema build, optional one-shot schema
// dump, refresh-deadline init, main loop) follows the original C
// plugin's entrypoint; flag parsing and signal-driven graceful
// shutdown follow this module's usual cmd/ convention.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/user/acctcore"
	"github.com/user/acctcore/internal/broker"
	"github.com/user/acctcore/internal/cache"
	"github.com/user/acctcore/internal/config"
	"github.com/user/acctcore/internal/decorator"
	"github.com/user/acctcore/internal/pluginlog"
	"github.com/user/acctcore/internal/publish"
	"github.com/user/acctcore/internal/ringbuf"
	"github.com/user/acctcore/internal/scheduler"
	"github.com/user/acctcore/pkg/wireschema"
)

func main() {
	configPath := flag.String("config", "acctexport.yaml", "path to the plugin configuration file")
	writerName := flag.String("writer-name", "acctexport", "writer identity attached to markers and textual records")
	disablePIDAlias := flag.Bool("disable-pid-alias", false, "identify this writer instance by a generated id instead of its process id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("acctexport: %v", err)
	}

	writerPID := os.Getpid()
	if *disablePIDAlias {
		// Deployments that run the plugin under a supervisor which
		// recycles PIDs (or multiple instances sharing one pid
		// namespace) need a stable-looking instance identity instead;
		// folded into an int the same fields already carry rather than
		// widening the writer identity type everywhere it's threaded.
		id := uuid.New()
		writerPID = int(binary.BigEndian.Uint32(id[:4]) & 0x7fffffff)
	}
	logger := pluginlog.New(*writerName, writerPID)

	what := cfg.Aggregation.WhatToCountMask()
	composer, err := wireschema.NewComposer(what)
	if err != nil {
		// Schema build failure is fatal to the process.
		log.Fatalf("acctexport: schema build: %v", err)
	}

	if cfg.Output.AvroSchemaOutFile != "" {
		if err := wireschema.DumpToFile(cfg.Output.AvroSchemaOutFile, composer.Schema()); err != nil {
			log.Fatalf("acctexport: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, composer, logger, *writerName, writerPID); err != nil {
		logger.Error("fatal error, exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, composer *wireschema.Composer, logger acctcore.Logger, writerName string, writerPID int) error {
	refresh, err := config.ParseDuration(cfg.Schedule.RefreshTime)
	if err != nil {
		return fmt.Errorf("acctexport: incompatible config: %w", err)
	}
	if refresh <= 0 {
		refresh = 60 * time.Second
	}
	startupDelay, err := config.ParseDuration(cfg.Schedule.StartupDelay)
	if err != nil {
		return fmt.Errorf("acctexport: incompatible config: %w", err)
	}
	roundoff := scheduler.RoundSecond
	switch cfg.Schedule.HistoryRoundoff {
	case "m":
		roundoff = scheduler.RoundMinute
	case "h":
		roundoff = scheduler.RoundHour
	case "d":
		roundoff = scheduler.RoundDay
	}

	now := time.Now()
	var flushDeadline scheduler.Deadline
	if cfg.Schedule.History && cfg.Schedule.HistoryRoundoff == "monthly" {
		flushDeadline = scheduler.InitMonthly(now, startupDelay, roundoff, cfg.Schedule.HistoryHowMany)
	} else {
		flushDeadline = scheduler.Init(now, refresh, startupDelay, roundoff)
	}

	var schemaDeadline scheduler.Deadline
	schemaEnabled := cfg.Output.AvroSchemaTopic != ""
	if schemaEnabled {
		schemaRefresh, err := config.ParseDuration(cfg.Output.AvroSchemaRefresh)
		if err != nil {
			return fmt.Errorf("acctexport: incompatible config: %w", err)
		}
		if schemaRefresh <= 0 {
			schemaRefresh = 5 * time.Minute
		}
		schemaDeadline = scheduler.Init(now, schemaRefresh, 0, scheduler.RoundMinute)
	}

	aggCache := cache.New(cfg.Aggregation.CachePolicy(), cfg.Aggregation.WhatToCountMask())
	currentBasetime := flushDeadline.Next.Add(-flushDeadline.Period).Unix()
	aggCache.SetCurrentBasetime(currentBasetime)

	chain := buildDecoratorChain(cfg)

	source, closeSource, err := buildSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	pubCfg := buildPublishConfig(cfg, writerName, writerPID)
	engine, err := publish.New(pubCfg, composer, logger)
	if err != nil {
		return fmt.Errorf("acctexport: incompatible config: %w", err)
	}

	openBroker := buildBrokerOpener(cfg)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now = time.Now()
		timeout := scheduler.MinMillis(
			flushDeadline.CalcTimeoutMS(now),
			deadlineOrMax(schemaEnabled, schemaDeadline, now),
			reconnectTimeoutMS(source.fallbackConsumer(), now),
		)

		slot, err := source.poll(ctx, time.Duration(timeout)*time.Millisecond)
		if err != nil {
			if err == ringbuf.ErrUpstreamGone {
				return fmt.Errorf("acctexport: %w", err)
			}
			if !ringbuf.IsRepoll(err) {
				logger.Warn("ring read error", "error", err)
			}
		} else {
			for i := range slot.Records {
				chain.Decorate(&slot.Records[i])
				aggCache.Insert(slot.Records[i], now)
			}
		}

		now = time.Now()
		if flushDeadline.Elapsed(now) {
			basetime := currentBasetime
			aggCache.CommitGeneration(basetime)
			queue := aggCache.HandleFlushEvent(basetime)

			client, err := openBroker()
			if err != nil {
				logger.Error("flush failed: broker open", "error", err)
			} else if res, err := engine.Flush(ctx, client, queue); err != nil {
				logger.Error("flush failed, entries dropped for this window", "error", err)
			} else {
				logger.Info("flush complete", "qn", res.QN, "entries_seen", res.EntriesSeen)
			}
			aggCache.ReleaseGeneration(basetime)

			flushDeadline = flushDeadline.Advance(now)
			currentBasetime = flushDeadline.Next.Add(-flushDeadline.Period).Unix()
			aggCache.SetCurrentBasetime(currentBasetime)
		}

		if schemaEnabled && schemaDeadline.Elapsed(now) {
			schemaClient, err := openBroker()
			if err != nil {
				logger.Warn("schema publication failed: broker open", "error", err)
			} else if err := publish.RunSchemaTask(ctx, schemaClient, cfg.Output.AvroSchemaTopic, composer.Schema()); err != nil {
				logger.Warn("schema publication failed", "error", err)
			}
			schemaDeadline = schemaDeadline.Advance(now)
		}
	}
}

func deadlineOrMax(enabled bool, d scheduler.Deadline, now time.Time) int64 {
	if !enabled {
		return 1<<63 - 1
	}
	return d.CalcTimeoutMS(now)
}

// reconnectTimeoutMS folds the fallback transport's next reconnect
// attempt into the loop's single computed wait timeout. fc is nil for
// the ring-only case (no secondary transport configured), and a zero
// ReconnectDeadline means the transport has never errored, so both
// contribute no constraint (max int64, the MinMillis identity).
func reconnectTimeoutMS(fc *ringbuf.FallbackConsumer, now time.Time) int64 {
	if fc == nil {
		return 1<<63 - 1
	}
	deadline := fc.ReconnectDeadline()
	if deadline.IsZero() {
		return 1<<63 - 1
	}
	remaining := deadline.Sub(now).Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// pollSource abstracts over the two ingestion paths (shared-memory
// ring vs secondary RabbitMQ transport) behind one poll call, so the
// main loop does not need to know which is active.
type pollSource interface {
	poll(ctx context.Context, timeout time.Duration) (ringbuf.Slot, error)
	// fallbackConsumer returns the underlying secondary transport, or
	// nil when this source is the shared-memory ring, so the main loop
	// can fold its reconnect deadline into the computed poll timeout.
	fallbackConsumer() *ringbuf.FallbackConsumer
}

type ringSource struct {
	consumer *ringbuf.Consumer
}

func (s *ringSource) poll(ctx context.Context, _ time.Duration) (ringbuf.Slot, error) {
	return s.consumer.NextSlot(ctx)
}

func (s *ringSource) fallbackConsumer() *ringbuf.FallbackConsumer { return nil }

type fallbackSource struct {
	fc    *ringbuf.FallbackConsumer
	codec ringbuf.Codec
}

func (s *fallbackSource) fallbackConsumer() *ringbuf.FallbackConsumer { return s.fc }

func (s *fallbackSource) poll(ctx context.Context, timeout time.Duration) (ringbuf.Slot, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	payload, err := s.fc.NextMessage(pollCtx)
	if err != nil {
		// NextMessage returns immediately instead of blocking while the
		// transport is reconnecting or backing off. Park here until the
		// earlier of the poll timeout or ctx cancellation so this path
		// still honors the loop's single wait point instead of spinning.
		<-pollCtx.Done()
		return ringbuf.Slot{}, err
	}
	// The payload is framed like a ring slot: a 20-byte header whose
	// record count is the little-endian u32 at offset 16, then records.
	if len(payload) < 20 {
		return ringbuf.Slot{}, fmt.Errorf("acctexport: fallback payload of %d bytes is shorter than a slot header", len(payload))
	}
	recs, err := s.codec.Decode(payload[20:], binary.LittleEndian.Uint32(payload[16:20]))
	if err != nil {
		return ringbuf.Slot{}, fmt.Errorf("acctexport: decode fallback payload: %w", err)
	}
	return ringbuf.Slot{Records: recs}, nil
}

func buildSource(cfg *config.Config) (pollSource, func() error, error) {
	codec := ringbuf.NewFixedCodec()
	if cfg.Fallback.Enabled {
		fc := ringbuf.NewFallbackConsumer(cfg.Fallback.URL, cfg.Fallback.Queue, nil)
		if cfg.Fallback.Compressed {
			var err error
			fc, err = fc.WithZstdPayloads()
			if err != nil {
				return nil, nil, err
			}
		}
		return &fallbackSource{fc: fc, codec: codec}, fc.Close, nil
	}

	ring := ringbuf.NewRing(cfg.Ring.BufSz, cfg.Ring.BufSz)
	status := &ringbuf.Status{}
	consumer := ringbuf.NewConsumer(ringbuf.Config{
		BufSz:            cfg.Ring.BufSz,
		MaxErrBeforeWarn: cfg.Ring.MaxErrBeforeWarn,
		PipeCheckCorePID: cfg.Ring.PipeCheckCorePID,
		CorePID:          uint32(os.Getppid()),
	}, ring, status, codec)
	parentPID := os.Getppid()
	consumer.ParentGone = func() bool { return os.Getppid() != parentPID }
	return &ringSource{consumer: consumer}, func() error { return nil }, nil
}

// buildBrokerOpener returns the per-flush constructor for the
// configured primary broker client, reopened fresh on every flush
// rather than held open across flushes: Kafka by default, or AMQP when
// message_broker_type selects it.
func buildBrokerOpener(cfg *config.Config) func() (acctcore.BrokerProducer, error) {
	switch cfg.Broker.Type {
	case "amqp":
		rcfg := broker.RabbitMQConfig{URL: cfg.Broker.AMQPURL, Exchange: cfg.Broker.AMQPExchange}
		return func() (acctcore.BrokerProducer, error) {
			return broker.NewRabbitMQClient(rcfg)
		}
	default:
		kcfg := broker.KafkaConfig{
			Brokers:        []string{fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)},
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			Partition:      cfg.Broker.Partition,
			PartitionKeyed: cfg.Broker.PartitionKeyed,
		}
		return func() (acctcore.BrokerProducer, error) {
			return broker.NewKafkaClient(kcfg), nil
		}
	}
}

func buildDecoratorChain(cfg *config.Config) decorator.Chain {
	var chain decorator.Chain
	if cfg.Tables.NetworksFile != "" {
		chain = append(chain, &decorator.NetworkClassifier{})
	}
	if cfg.Tables.PortsFile != "" {
		chain = append(chain, &decorator.PortRemap{})
	}
	if cfg.Tables.PktLenDistribBins != "" {
		chain = append(chain, &decorator.LengthDistribution{})
	}
	return chain
}

func buildPublishConfig(cfg *config.Config, writerName string, writerPID int) publish.Config {
	contentType := publish.Textual
	if cfg.Output.BrokerOutput == "binary" {
		contentType = publish.Binary
	}

	topicMode := publish.StaticTopic
	var rrTopics []string
	if contains(cfg.Broker.Table, '$') {
		topicMode = publish.DynamicTopic
	} else if cfg.Broker.RoutingKeyRR > 0 {
		topicMode = publish.RoundRobinTopic
		rrTopics = strings.Split(cfg.Broker.Table, ",")
		for i := range rrTopics {
			rrTopics[i] = strings.TrimSpace(rrTopics[i])
		}
	}

	return publish.Config{
		ContentType:  contentType,
		TopicMode:    topicMode,
		Topic:        cfg.Broker.Table,
		RRTopics:     rrTopics,
		Partition:    cfg.Broker.Partition,
		MultiValues:  cfg.Output.MultiValues,
		BufferSize:   cfg.Output.AvroBufferSize,
		PrintMarkers: cfg.Output.PrintMarkers,
		WriterName:   writerName,
		WriterPID:    writerPID,
		TriggerExec:  cfg.Output.SQLTriggerExec,
	}
}

func contains(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
