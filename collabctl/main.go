package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/redis/go-redis/v9"

	"github.com/docmesh/collab/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Usage:
    collabctl serve-relay [--listen=<listen>]
    collabctl session --doc=<doc_id>
        [--relay=<relay_url> | --redis=<redis_addr>]
        [--name=<name>]
    collabctl snapshot --doc=<doc_id>
        [--relay=<relay_url> | --redis=<redis_addr>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --listen=<listen>        Relay listen address [default: 127.0.0.1:8654].
    --doc=<doc_id>           Document id.
    --relay=<relay_url>      Websocket relay substrate url, e.g. ws://127.0.0.1:8654.
    --redis=<redis_addr>     Redis substrate address, e.g. 127.0.0.1:6379.
    --name=<name>            Local display name; it is not published to peers.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if serveRelay_, _ := opts.Bool("serve-relay"); serveRelay_ {
		serveRelay(opts)
	} else if session_, _ := opts.Bool("session"); session_ {
		runSession(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		dumpSnapshot(opts)
	}
}

func serveRelay(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := collab.NewRelayServer(ctx, collab.NewMemorySubstrate())
	Out.Printf("relay listening on %s", listen)
	if err := http.ListenAndServe(listen, relay); err != nil {
		Err.Fatalf("relay failed: %s", err)
	}
}

func openSubstrate(ctx context.Context, opts docopt.Opts) collab.Substrate {
	if relayUrl, err := opts.String("--relay"); err == nil && relayUrl != "" {
		return collab.NewWsSubstrateWithDefaults(ctx, relayUrl)
	}
	if redisAddr, err := opts.String("--redis"); err == nil && redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		return collab.NewRedisSubstrateWithDefaults(ctx, client)
	}
	Out.Printf("no substrate given, using in-memory (solo session)")
	return collab.NewMemorySubstrate()
}

func runSession(opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	substrate := openSubstrate(ctx, opts)
	factory := collab.NewLogReplicaFactory()

	options := &collab.SessionOptions{
		DocId:     docId,
		Substrate: substrate,
		Replicas:  factory,
	}
	if name, err := opts.String("--name"); err == nil && name != "" {
		options.User = &collab.User{Name: name}
	}

	session, err := collab.NewSession(ctx, options)
	if err != nil {
		Err.Fatalf("session failed: %s", err)
	}
	defer session.Disconnect()

	doc := session.Document().(*collab.LogDocument)

	session.On(collab.EventPeerJoined, func(event *collab.Event) {
		Out.Printf("* peer joined: %s", event.PeerId)
	})
	session.On(collab.EventPeerLeft, func(event *collab.Event) {
		Out.Printf("* peer left: %s", event.PeerId)
	})
	session.On(collab.EventSyncCompleted, func(event *collab.Event) {
		Out.Printf("* sync (%d bytes): %q", event.UpdateSize, doc.Text())
	})
	session.On(collab.EventDocumentPersisted, func(event *collab.Event) {
		Out.Printf("* persisted version %d", event.Version)
	})
	session.On(collab.EventError, func(event *collab.Event) {
		Err.Printf("error in %s: %s", event.Context, event.Err)
	})

	Out.Printf("session %s as %s (%s)", docId, session.User().Name, session.PeerId())
	Out.Printf("type lines to append to the document. ctrl-d to exit.")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := doc.AppendText(line + "\n"); err != nil {
				Err.Printf("append failed: %s", err)
			}
		}
	}
}

func dumpSnapshot(opts docopt.Opts) {
	docId, _ := opts.String("--doc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	substrate := openSubstrate(ctx, opts)
	paths, err := collab.DefaultPathConfig().Resolve(docId)
	if err != nil {
		Err.Fatalf("bad path config: %s", err)
	}

	value, err := substrate.Read(ctx, paths.SnapshotLatest())
	if err != nil {
		Err.Fatalf("read failed: %s", err)
	}
	if value == nil {
		Out.Printf("no snapshot for %s", docId)
		return
	}

	var record collab.SnapshotRecord
	if err := json.Unmarshal(value, &record); err != nil {
		Err.Fatalf("bad snapshot record: %s", err)
	}
	state, err := base64.StdEncoding.DecodeString(record.Update)
	if err != nil {
		Err.Fatalf("bad snapshot update: %s", err)
	}

	Out.Printf("version:  %d", record.Version)
	Out.Printf("size:     %d bytes", len(state))
	Out.Printf("checksum: %s (%s)", record.Checksum, verifyChecksum(state, record.Checksum))
}

func verifyChecksum(state []byte, checksum string) string {
	if collab.ChecksumHex(state) == checksum {
		return "ok"
	}
	return fmt.Sprintf("MISMATCH, expected %s", collab.ChecksumHex(state))
}
