// Package activitydb records program activity and acquisition runs in a
// ClickHouse database. No sample data are stored.
package activitydb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"

	"github.com/usnistgov/scopestream/internal/unboundedchan"
)

// Logger receives database problems. The main program may replace it.
var Logger = log.New(os.Stderr, "activitydb: ", log.LstdFlags)

// Options says where the database is.
type Options struct {
	Address  string // host:port of the ClickHouse native protocol
	Database string
}

// Connection logs activity to the database. A Connection that failed to
// connect, or a Dummy, silently ignores every record request. Run records are
// queued, so recording never waits on the database.
type Connection struct {
	conn     clickhouse.Conn
	activity *ActivityMessage
	runmsg   *unboundedchan.UnboundedChannel[RunMessage]
	lock     sync.Mutex // guards err and sends to runmsg
	err      error
	sync.WaitGroup
}

// NewID returns a new unique, time-ordered identifier for a database row.
func NewID() string {
	return ulid.Make().String()
}

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected tells whether db is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.err = err
}

// queue hands a copy of msg to the database goroutine.
func (db *Connection) queue(msg RunMessage) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.runmsg != nil {
		db.runmsg.Send(msg)
	}
}

// PingServer checks that a ClickHouse server answers at opts.
func PingServer(opts Options) error {
	db := createConnection(opts)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	Logger.Printf("ClickHouse server is alive. Version: %s", v)
	return nil
}

// Start connects to the database and records the start of activity. Records
// are written by a goroutine that ends when abort is closed, after recording
// the end of activity. Use Wait to wait for that.
func Start(opts Options, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(opts)
	db.activity = activity
	db.logActivity()
	if db.IsConnected() {
		db.Add(1)
		go db.handleConnection(abort)
	}
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(opts Options) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: opts.Database,
		Username: os.Getenv("SCOPESTREAM_DB_USER"),
		Password: os.Getenv("SCOPESTREAM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "scopestream", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{opts.Address},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			Logger.Printf("Exception [%d] %s \n%s", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	return newConnection(conn)
}

func newConnection(conn clickhouse.Conn) *Connection {
	return &Connection{
		conn:   conn,
		runmsg: unboundedchan.NewUnboundedChannel[RunMessage](),
	}
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	const nowait = false
	a := db.activity
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO scopeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Githash, a.Version,
		a.GoVersion, a.CPUs, a.Start.Format(timeFormat), a.End.Format(timeFormat),
	); err != nil {
		Logger.Printf("Error raised on AsyncInsert into scopeactivity: %v", err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			// Record everything already queued before the end of activity.
			db.lock.Lock()
			db.runmsg.Close()
			db.lock.Unlock()
			for msg := range db.runmsg.Out() {
				db.handleRunMessage(msg)
			}
			db.disconnect()
			return
		case msg := <-db.runmsg.Out():
			db.handleRunMessage(msg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activity != nil {
		db.activity.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordRun stores the start of an acquisition run. Runs are recorded in the
// order RecordRun and FinishRun are called.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if db.activity != nil {
		msg.ActivityID = db.activity.ID
	}
	db.queue(*msg)
}

// FinishRun stores the end of an acquisition run.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	db.queue(*msg)
}

func (db *Connection) handleRunMessage(m RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Driver, m.Model, m.Nchannels, m.SampleRate, m.SamplesLimit,
		m.TriggerMode, m.TriggerLevel, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		Logger.Printf("Error raised on AsyncInsert into acquisitions: %v", err)
		db.setErr(err)
	}
}
