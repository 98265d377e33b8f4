package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/lowhung/buswatch/adapters/nats"
	"github.com/lowhung/buswatch/adapters/prometheus"
	"github.com/lowhung/buswatch/adapters/redis"
	"github.com/lowhung/buswatch/core/analytics"
	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/instrument"
	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/core/source"
	"github.com/lowhung/buswatch/internal/logging"
)

// === Config ===

// NOTE: run nats: docker run --net=host nats:latest -js
// NOTE: run redis: docker run --net=host redis:latest

var (
	N           = getEnvInt("N", 500_000)
	batchSize   = getEnvInt("B", 50_000)
	producers   = getEnvInt("P", 4)
	consumers   = getEnvInt("C", 4)
	topics      = getEnvInt("T", 2)
	queueSize   = getEnvInt("Q", 1_024)
	backendType = getEnv("BACKEND", "mem")
	useCBOR     = getEnvBool("CBOR", false)
	logLevel    = getEnv("LOG_LEVEL", "info")
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func main() {
	log, err := logging.New(logging.Options{Level: logLevel})
	checkErr(err)

	format := snapshot.FormatJSON
	if useCBOR {
		format = snapshot.FormatCBOR
	}

	// every topic needs a consumer or producers block forever
	topics = min(topics, consumers)

	fmt.Printf("Backend: %s (%s)\n", backendType, format)
	fmt.Printf("Bus:     %d producers, %d consumers, %d topics\n", producers, consumers, topics)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// analyzed in-process, whatever the backend
	local := emit.NewChannelSink("local", 16, emit.DropOldest)
	sinks := []emit.Sink{local}
	switch backendType {
	case "nats":
		sink, err := nats.NewSink(nats.SinkConfig{
			Connect: nats.ConnectDefault(),
			Subject: "buswatch.loadtest",
			Format:  format,
			Log:     log,
		})
		checkErr(err)
		sinks = append(sinks, sink)
	case "redis":
		sink, err := redis.NewSink(redis.SinkConfig{
			Config:    redis.Config{Channel: "buswatch:loadtest", Log: log},
			Format:    format,
			LatestKey: "buswatch:loadtest:latest",
			LatestTTL: 5 * time.Minute,
		})
		checkErr(err)
		sinks = append(sinks, sink)
	}

	reg := prom.NewRegistry()
	inst := instrument.New(instrument.Options{
		Interval:       250 * time.Millisecond,
		Sinks:          sinks,
		Log:            log,
		Metrics:        prometheus.NewEmitterMetrics(reg),
		DerivedBacklog: true,
	})

	engine := analytics.NewEngine(analytics.Options{})
	feed := source.NewFeed(source.NewChannelSource(local.C(), "loadtest"), engine, log)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		checkErr(feed.Run(ctx))
	}()

	checkErr(inst.Start(ctx))

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	queues := make([]chan int, topics)
	for i := range queues {
		queues[i] = make(chan int, queueSize)
	}

	var wg sync.WaitGroup
	perProducer := N / producers
	for p := range producers {
		h := inst.Register(fmt.Sprintf("producer-%d", p))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q := (p + i) % topics
				topic := topicName(q)
				g := h.StartWrite(topic)
				queues[q] <- i
				g.Release()
				h.RecordWrite(topic, 1)
			}
		}()
	}

	var (
		consumed   sync.WaitGroup
		progressMu sync.Mutex
		processed  int
	)
	total := perProducer * producers
	startAt := time.Now()
	lastTime := startAt
	consumed.Add(total)
	for c := range consumers {
		h := inst.Register(fmt.Sprintf("consumer-%d", c))
		q := c % topics
		topic := topicName(q)
		go func() {
			for {
				g := h.StartRead(topic)
				_, ok := <-queues[q]
				g.Release()
				if !ok {
					return
				}
				h.RecordRead(topic, 1)
				consumed.Done()

				progressMu.Lock()
				processed++
				if processed%batchSize == 0 {
					n := time.Now()
					took := n.Sub(lastTime)
					mu := getMemUsage()
					fmt.Printf(" | %7d msgs | %6d ms | %9d msgs/s | %2d unhealthy | (%d / %d) MiB mem (sys) |\n",
						batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()),
						engine.View().Unhealthy(), mu.Alloc/1024/1024, mu.Sys/1024/1024)
					lastTime = n
				}
				progressMu.Unlock()
			}
		}()
	}

	wg.Wait()
	consumed.Wait()
	for _, q := range queues {
		close(q)
	}
	took := time.Since(startAt)

	report, err := inst.EmitNow(ctx)
	checkErr(err)
	if failed := report.Failed(); len(failed) > 0 {
		log.Warn("final emission incomplete", slog.Any("error", report.Err()))
	}
	checkErr(inst.Stop(context.Background()))
	<-feedDone

	// === stats ===
	println("")
	println("==========================================")

	runtime.GC()
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("     messages: %d\n", total)
	fmt.Printf("    snapshots: %d accepted, %d dropped\n", feed.Accepted(), feed.Dropped())
	fmt.Printf("  avg. msgs/s: %d\n", int(float64(total)/took.Seconds()))
	if mfs, err := reg.Gather(); err == nil {
		for _, mf := range mfs {
			if mf.GetName() == "buswatch_emitter_ticks_total" {
				fmt.Printf("  emit ticks: %.0f\n", mf.GetMetric()[0].GetCounter().GetValue())
			}
		}
	}
	println("")
	checkErr(engine.WriteSummary(os.Stdout, analytics.ExportYAML))
}

func topicName(i int) string { return "orders." + strconv.Itoa(i) }

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
