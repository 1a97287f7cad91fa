package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/store"
	"github.com/bhyvex/metis/internal/util/bufpool"
)

func newTestServer(t *testing.T, nodes int, fc config.FrontendConfig, bufSize int) (*Server, *manager.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerID = 1
	cfg.Cache.CacheSize = "1M"

	s := store.NewMemoryMetadataStore()
	for i := 1; i <= nodes; i++ {
		require.NoError(t, s.UpsertStorageNode(context.Background(), &model.StorageNode{
			ID: model.NodeID(i), Host: "10.0.0.1", Port: 7000 + i, Capacity: 1 << 40, Status: model.NodeStatusUp,
		}))
	}
	mgr, err := manager.New(cfg, manager.Dependencies{Metadata: s}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.LoadAll(context.Background()))

	srv := NewServer("127.0.0.1:0", fc, bufpool.New(bufSize, 4), mgr, zap.NewNop(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, mgr
}

func defaultFrontend() config.FrontendConfig {
	return config.FrontendConfig{Timeout: 5 * time.Second, Workers: 4, WorkerQueueLength: 4}
}

type client struct {
	t    *testing.T
	conn net.Conn
	in   *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, in: bufio.NewReader(conn)}
}

func (c *client) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.in.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\n")
}

func (c *client) do(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	return c.readLine()
}

func mustUint(t *testing.T, s string) uint64 {
	t.Helper()
	v, err := strconv.ParseUint(s, 10, 64)
	require.NoError(t, err)
	return v
}

func fmtUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func TestCommand_PingAndQuit(t *testing.T) {
	srv, _ := newTestServer(t, 3, defaultFrontend(), 1024)
	c := dial(t, srv)

	assert.Equal(t, "OK PONG", c.do("PING"))
	assert.Equal(t, "OK PONG", c.do("  ping  "))
	assert.Equal(t, "OK BYE", c.do("QUIT"))

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.in.ReadString('\n')
	assert.Error(t, err)
}

func TestCommand_LevelLocatePut(t *testing.T) {
	srv, mgr := newTestServer(t, 3, defaultFrontend(), 1024)
	c := dial(t, srv)

	assert.Equal(t, "OK 1", c.do("LEVEL 1 0"))
	assert.True(t, strings.HasPrefix(c.do("LEVEL 1 0"), "ERR DUPLICATE_LEVEL "))

	assert.True(t, strings.HasPrefix(c.do("LOCATE 1 0 5"), "ERR NOT_FOUND "))

	reply := c.do("PUT 1 0 5 2048")
	fields := strings.Fields(reply)
	require.Len(t, fields, 4, reply)
	assert.Equal(t, "OK", fields[0])
	assert.Len(t, strings.Split(fields[3], ","), 3)
	assert.Contains(t, fields[3], "@10.0.0.1:700")

	assert.Equal(t, "OK", c.do("CONFIRM "+fields[1]))
	assert.True(t, strings.HasPrefix(c.do("CONFIRM "+fields[1]), "ERR NOT_FOUND "))

	loc := strings.Fields(c.do("LOCATE 1 0 5"))
	require.Len(t, loc, 3)
	assert.Equal(t, fields[2], loc[1])

	r, err := mgr.Index().Range(model.RangeID(mustUint(t, fields[2])))
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), r.Size)
}

func TestCommand_CopyAndRollback(t *testing.T) {
	srv, mgr := newTestServer(t, 4, defaultFrontend(), 1024)
	c := dial(t, srv)

	require.Equal(t, "OK 1", c.do("LEVEL 1 0"))
	_, _, err := mgr.FillAndAdd(context.Background(), model.ItemKey{Level: 1, SubLevel: 0, ID: 1})
	require.NoError(t, err)
	loc, err := mgr.FindAndFill(context.Background(), model.ItemKey{Level: 1, SubLevel: 0, ID: 1})
	require.NoError(t, err)

	current := make([]string, 0, len(loc.Nodes))
	for _, n := range loc.Nodes {
		current = append(current, fmtUint(uint64(n.ID)))
	}
	reply := strings.Fields(c.do("COPY " + fmtUint(uint64(loc.Range.ID)) + " 1024 " + strings.Join(current, ",")))
	require.Len(t, reply, 3)
	assert.Equal(t, "OK", reply[0])
	assert.NotContains(t, current, strings.SplitN(reply[2], "@", 2)[0])

	assert.Equal(t, "OK", c.do("ROLLBACK "+reply[1]))
	assert.Equal(t, 0, mgr.Stats().Reservations)
}

func TestCommand_Errors(t *testing.T) {
	srv, _ := newTestServer(t, 2, defaultFrontend(), 1024)
	c := dial(t, srv)

	tests := []struct {
		line   string
		prefix string
	}{
		{"FROB", "ERR INVALID_ARGUMENT unknown command FROB"},
		{"LEVEL 1", "ERR INVALID_ARGUMENT usage: LEVEL"},
		{"LEVEL x 0", "ERR INVALID_ARGUMENT invalid level"},
		{"PUT 1 0 5", "ERR INVALID_ARGUMENT usage: PUT"},
		{"PUT 9 9 1 10", "ERR NOT_FOUND "},
		{"COPY 1", "ERR INVALID_ARGUMENT usage: COPY"},
		{"COPY 1 10 a,b", "ERR INVALID_ARGUMENT invalid node id"},
		{"CONFIRM nope", "ERR INVALID_ARGUMENT invalid reservation id"},
		{"ROLLBACK 9b2d0a6e-30d4-4bd1-8d6e-5a3f3b0f7c11", "ERR NOT_FOUND "},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(c.do(tt.line), tt.prefix))
		})
	}

	require.Equal(t, "OK 1", c.do("LEVEL 1 0"))
	assert.True(t, strings.HasPrefix(c.do("PUT 1 0 1 10"), "ERR INSUFFICIENT_CAPACITY "))
}

func TestCommand_Stats(t *testing.T) {
	srv, _ := newTestServer(t, 3, defaultFrontend(), 1024)
	c := dial(t, srv)

	reply := c.do("STATS")
	require.True(t, strings.HasPrefix(reply, "OK "))

	var stats manager.Stats
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(reply, "OK ")), &stats))
	assert.Equal(t, 3, stats.Nodes)
}

func TestCommand_LineTooLong(t *testing.T) {
	srv, _ := newTestServer(t, 3, defaultFrontend(), 16)
	c := dial(t, srv)

	assert.Equal(t, "ERR INVALID_ARGUMENT line too long", c.do("PING "+strings.Repeat("x", 64)))
}

func TestCommand_IdleTimeout(t *testing.T) {
	fc := defaultFrontend()
	fc.Timeout = 50 * time.Millisecond
	srv, _ := newTestServer(t, 3, fc, 1024)
	c := dial(t, srv)

	assert.Equal(t, "OK PONG", c.do("PING"))
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.in.ReadString('\n')
	assert.Error(t, err)
}

func TestCommand_BusyWhenPoolSaturated(t *testing.T) {
	fc := config.FrontendConfig{Timeout: 5 * time.Second, Workers: 1, WorkerQueueLength: 1}
	srv, _ := newTestServer(t, 3, fc, 1024)

	first := dial(t, srv)
	require.Equal(t, "OK PONG", first.do("PING"))

	// occupies the single queue slot
	dial(t, srv)

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
		if err != nil {
			return false
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		return err == nil && line == busyReply
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommand_ShutdownClosesSessions(t *testing.T) {
	srv, _ := newTestServer(t, 3, defaultFrontend(), 1024)
	c := dial(t, srv)
	require.Equal(t, "OK PONG", c.do("PING"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.in.ReadString('\n')
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestNewServer_BindFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	srv := NewServer(lis.Addr().String(), defaultFrontend(), bufpool.New(64, 1), nil, zap.NewNop(), nil)
	defer srv.Shutdown(context.Background())
	assert.Error(t, srv.Start())
}

func TestFormatNodes(t *testing.T) {
	assert.Equal(t, "-", formatNodes(nil))
	assert.Equal(t, "1@h:1,2@h:2", formatNodes([]model.StorageNode{
		{ID: 1, Host: "h", Port: 1},
		{ID: 2, Host: "h", Port: 2},
	}))
}
