// Command outcome_load holds many concurrent subscriptions to the transfer
// outcome stream of settle serve and reports how many outcomes each received.
package main

import (
	"bufio"
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const outcomeEvent = "event: transfer_outcome"

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	outcomes    atomic.Int64
	heartbeats  atomic.Int64
}

func (s *stats) fields(elapsed time.Duration) []zap.Field {
	return []zap.Field{
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("connect_errs", s.connectErrs.Load()),
		zap.Int64("stream_errs", s.streamErrs.Load()),
		zap.Int64("outcomes", s.outcomes.Load()),
		zap.Int64("heartbeats", s.heartbeats.Load()),
		zap.Duration("elapsed", elapsed.Truncate(time.Second)),
	}
}

func main() {
	var (
		target = flag.String("url", "http://localhost:8080/outcomes/stream", "outcome stream URL")
		conns  = flag.Int("conns", 500, "concurrent subscriptions")
		dur    = flag.Duration("dur", time.Minute, "test duration, 0 runs until interrupted")
		ramp   = flag.Duration("ramp", time.Second, "spread subscription starts across this window")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *conns <= 0 {
		logger.Fatal("conns must be positive", zap.Int("conns", *conns))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *dur)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     *conns + 10,
			MaxIdleConnsPerHost: *conns + 10,
			DisableCompression:  true,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		},
	}

	logger.Info("subscribing", zap.String("url", *target), zap.Int("conns", *conns), zap.Duration("ramp", *ramp))

	var (
		st    stats
		wg    sync.WaitGroup
		start = time.Now()
		step  = *ramp / time.Duration(*conns)
	)

	go report(ctx, logger, &st, start)

	for i := 0; i < *conns && ctx.Err() == nil; i++ {
		if i > 0 && step > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(step):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe(ctx, client, *target, &st)
		}()
	}

	wg.Wait()
	logger.Info("done", st.fields(time.Since(start))...)
}

func subscribe(ctx context.Context, client *http.Client, target string, st *stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		st.connectErrs.Add(1)
		return
	}
	st.connected.Add(1)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				st.streamErrs.Add(1)
			}
			return
		}

		switch classify(line) {
		case lineOutcome:
			st.outcomes.Add(1)
		case lineHeartbeat:
			st.heartbeats.Add(1)
		}
	}
}

type lineKind int

const (
	lineOther lineKind = iota
	lineOutcome
	lineHeartbeat
)

func classify(line string) lineKind {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == outcomeEvent:
		return lineOutcome
	case strings.HasPrefix(line, ":"):
		return lineHeartbeat
	default:
		return lineOther
	}
}

func report(ctx context.Context, logger *zap.Logger, st *stats, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status", st.fields(time.Since(start))...)
		}
	}
}
