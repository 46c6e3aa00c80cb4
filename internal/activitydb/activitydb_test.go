package activitydb

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, err := ulid.ParseStrict(id)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate ID %s", id)
		assert.Greater(t, id, prev, "IDs are increasing")
		seen[id] = true
		prev = id
	}
}

func TestDummyRecordsNothing(t *testing.T) {
	db := Dummy()
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())
	msg := &RunMessage{ID: NewID(), Start: time.Now()}
	db.RecordRun(msg)
	db.FinishRun(msg)
	assert.True(t, msg.End.IsZero(), "a dummy connection does not touch messages")
	db.Wait()

	var none *Connection
	assert.False(t, none.IsConnected())
	none.RecordRun(msg)
}

func TestUnreachableServer(t *testing.T) {
	abort := make(chan struct{})
	activity := &ActivityMessage{ID: NewID(), Start: time.Now()}
	db := Start(Options{Address: "127.0.0.1:1", Database: "scopestream"}, activity, abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordRun(&RunMessage{ID: NewID()})
	close(abort)
	db.Wait()
	assert.Error(t, PingServer(Options{Address: "127.0.0.1:1"}))
}

// TestConnection runs only when a ClickHouse server is named in the environment.
func TestConnection(t *testing.T) {
	addr := os.Getenv("SCOPESTREAM_TEST_CLICKHOUSE")
	if addr == "" {
		t.Skip("set SCOPESTREAM_TEST_CLICKHOUSE=host:port to test against a server")
	}
	opts := Options{Address: addr, Database: "default"}
	require.NoError(t, PingServer(opts))
}

// slowConn stands in for a ClickHouse connection whose inserts wait until
// release is closed.
type slowConn struct {
	clickhouse.Conn
	release chan struct{}
	fail    error

	lock    sync.Mutex
	inserts []string // table name and End column of each insert
}

func (sc *slowConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	<-sc.release
	sc.lock.Lock()
	defer sc.lock.Unlock()
	table := strings.Fields(query)[2]
	sc.inserts = append(sc.inserts, table+" "+args[len(args)-1].(string))
	return sc.fail
}

func (sc *slowConn) Close() error { return nil }

func (sc *slowConn) tables() []string {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	var t []string
	for _, ins := range sc.inserts {
		t = append(t, strings.Fields(ins)[0])
	}
	return t
}

func TestRecordRunDoesNotWaitForDatabase(t *testing.T) {
	sc := &slowConn{release: make(chan struct{})}
	db := newConnection(sc)
	db.activity = &ActivityMessage{ID: NewID(), Start: time.Now()}
	abort := make(chan struct{})
	db.Add(1)
	go db.handleConnection(abort)

	recorded := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			msg := &RunMessage{ID: NewID(), Start: time.Now()}
			db.RecordRun(msg)
			db.FinishRun(msg)
		}
		close(recorded)
	}()
	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatal("recording runs waited on a slow database")
	}
	assert.True(t, db.IsConnected())

	close(sc.release)
	close(abort)
	db.Wait()

	tables := sc.tables()
	require.Len(t, tables, 7)
	for _, table := range tables[:6] {
		assert.Equal(t, "acquisitions", table)
	}
	assert.Equal(t, "scopeactivity", tables[6])
	zeroEnd := time.Time{}.Format(timeFormat)
	assert.True(t, strings.HasSuffix(sc.inserts[0], zeroEnd), "start record has no end time")
	assert.False(t, strings.HasSuffix(sc.inserts[1], zeroEnd), "finish record has an end time")
}

func TestInsertErrorDisconnects(t *testing.T) {
	sc := &slowConn{release: make(chan struct{}), fail: errors.New("table missing")}
	close(sc.release)
	db := newConnection(sc)
	abort := make(chan struct{})
	db.Add(1)
	go db.handleConnection(abort)

	db.RecordRun(&RunMessage{ID: NewID()})
	assert.Eventually(t, func() bool { return !db.IsConnected() }, time.Second, time.Millisecond)
	assert.EqualError(t, db.Err(), "table missing")
	db.RecordRun(&RunMessage{ID: NewID()})

	close(abort)
	db.Wait()
	assert.Equal(t, []string{"acquisitions"}, sc.tables())
}
