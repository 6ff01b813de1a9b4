//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMongo runs a disposable MongoDB and returns its connection string.
func startMongo(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tcmongo.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start mongodb container")

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("citypage-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cconn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// datamart emulates the citypage datamart: a GeoJSON site list plus flat
// Apache-style province listings of per-station documents.
type datamart struct {
	mu       sync.Mutex
	siteList []byte
	docs     map[string]map[string][]byte // province -> code -> body
}

func newDatamart(t *testing.T) (*datamart, *httptest.Server) {
	t.Helper()
	d := &datamart{docs: make(map[string]map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *datamart) publish(province, code string, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.docs[province] == nil {
		d.docs[province] = make(map[string][]byte)
	}
	d.docs[province][code] = body
}

func fileName(code string) string {
	return "20240115T180134.255Z_MSC_CitypageWeather_" + code + "_en.xml"
}

func (d *datamart) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.URL.Path == "/site_list_en.geojson" {
		_, _ = w.Write(d.siteList)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch len(parts) {
	case 1:
		var b strings.Builder
		b.WriteString("<html><body><pre>\n")
		for code := range d.docs[parts[0]] {
			fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", fileName(code), fileName(code))
		}
		b.WriteString("</pre></body></html>")
		_, _ = w.Write([]byte(b.String()))
		return
	case 2:
		for code, body := range d.docs[parts[0]] {
			if fileName(code) == parts[1] {
				_, _ = w.Write(body)
				return
			}
		}
	}
	http.NotFound(w, r)
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("../domain/testdata/" + name)
	require.NoError(t, err)
	return data
}
