// Command nsq-monitor exports NSQ backlog for the attachment and dead letter
// topics as Prometheus gauges.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/health"
	"github.com/austindbirch/harbor_trace/internal/job"
	"github.com/austindbirch/harbor_trace/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	nsqdHTTP string
	topics   map[string]bool
	client   *http.Client

	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTP string, topics ...string) *monitor {
	m := &monitor{
		nsqdHTTP: nsqdHTTP,
		topics:   make(map[string]bool, len(topics)),
		client:   &http.Client{Timeout: 5 * time.Second},
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbortrace_nsq_topic_depth",
			Help: "Messages waiting in an NSQ topic before channel fan-out",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbortrace_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbortrace_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	for _, t := range topics {
		if t != "" {
			m.topics[t] = true
		}
	}
	return m
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.topicDepth, m.channelDepth, m.channelInflight)
}

// poll fetches nsqd stats once. A failed poll is logged and retried next
// round; it never stops the job.
func (m *monitor) poll(ctx context.Context) error {
	if err := m.update(ctx); err != nil {
		logging.WithContext(ctx).WithError(err).Warn("nsq stats poll failed")
	}
	return nil
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func main() {
	logging.SetDefaultService("nsq-monitor")
	cfg := config.FromEnv()
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	m := newMonitor(nsqdHTTP, cfg.NSQ.AttachmentsTopic, cfg.NSQ.DLQTopic)
	promReg := prometheus.NewRegistry()
	m.register(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hr := health.NewRegistry()
	poller := job.New(health.KindEventAggregating, m.poll, func() bool { return true }, hr,
		job.WithIdleDelay(interval))
	if err := poller.Start(ctx); err != nil {
		logging.Plain().WithError(err).Fatal("start poller")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(hr, 3*interval, nil))
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logging.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     nsqdHTTP,
		"interval": interval.String(),
	}).Info("nsq-monitor started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Plain().WithError(err).Fatal("nsq-monitor serve")
	}
	_ = poller.Wait()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
