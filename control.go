package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"messenger/server"
)

type statsSource interface {
	GetStats() server.Stats
}

// listenControl opens the local management socket, replacing a stale
// socket file left by a previous run.
func listenControl(path string) (net.Listener, error) {
	os.Remove(path)
	return net.Listen("unix", path)
}

// serveControl answers one line-command per connection until ctx is done.
// A shutdown command calls shutdown after replying.
func serveControl(ctx context.Context, l net.Listener, stats statsSource, shutdown func(), log *slog.Logger) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("control accept failed", "err", err)
			continue
		}
		go handleControlCommand(conn, stats, shutdown, log)
	}
}

func handleControlCommand(conn net.Conn, stats statsSource, shutdown func(), log *slog.Logger) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		st := stats.GetStats()
		fmt.Fprintf(conn, "OK|connections=%d online=%d\n", st.Connections, st.Online)
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		log.Info("shutdown requested over control socket")
		shutdown()
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
