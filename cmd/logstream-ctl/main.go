package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/mareekkk/logstream/pkg/logstream"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8210", "logstream API address")
	key := flag.String("key", os.Getenv("LOGSTREAM_ADMIN_KEY"), "admin key")
	source := flag.String("source", "", "tail: only records with this source tag")
	level := flag.String("level", "", "tail: only records at this level")
	redacted := flag.Bool("redacted", false, "submit: payload is already redacted")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client, err := logstream.New(logstream.Config{BaseURL: *addr, AdminKey: *key})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("logstream-ctl %s\n", version)
	case "status":
		cmdStatus(client)
	case "consumers":
		cmdConsumers(client)
	case "segments":
		cmdSegments(client)
	case "submit":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: logstream-ctl submit <source> [payload]")
			os.Exit(1)
		}
		cmdSubmit(client, args[1], args[2:], *redacted)
	case "register":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: logstream-ctl register <id> <pull|push> [from]")
			os.Exit(1)
		}
		cmdRegister(client, args[1], args[2], args[3:])
	case "unregister":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: logstream-ctl unregister <id>")
			os.Exit(1)
		}
		cmdUnregister(client, args[1])
	case "fetch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: logstream-ctl fetch <id> [max]")
			os.Exit(1)
		}
		cmdFetch(client, args[1], args[2:])
	case "ack":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: logstream-ctl ack <id> <seq>")
			os.Exit(1)
		}
		cmdAck(client, args[1], args[2])
	case "tail":
		cmdTail(client, *source, *level)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `logstream-ctl - log buffer management CLI

Usage:
  logstream-ctl [flags] <command> [args]

Commands:
  status                      Show buffer and consumer status
  consumers                   List registered consumers
  segments                    List sealed segments
  submit <source> [payload]   Submit a record (reads stdin without payload)
  register <id> <pull|push>   Register a consumer, optionally from a sequence
  unregister <id>             Remove a consumer
  fetch <id> [max]            Pull the next batch for a consumer
  ack <id> <seq>              Acknowledge records up to seq
  tail                        Stream records live (filter with -source/-level)
  version                     Show version

Flags:
  -addr string     API address (default "http://localhost:8210")
  -key string      admin key (default $LOGSTREAM_ADMIN_KEY)
  -source string   tail filter: source tag
  -level string    tail filter: level
  -redacted        submit: skip server-side scrubbing`)
}

func cmdStatus(client *logstream.Client) {
	status, err := client.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("high water:  %d\n", status.HighWater)
	fmt.Printf("earliest:    %d\n", status.Earliest)
	fmt.Printf("watermark:   %d\n", status.Watermark)
	fmt.Printf("segments:    %d sealed, %d corrupt\n", status.Segments.Sealed, status.Segments.Corrupt)
	fmt.Printf("storage:     %d / %d bytes\n", status.Storage.UsedBytes, status.Storage.MaxBytes)

	if len(status.Consumers) == 0 {
		fmt.Println("consumers:   none")
		return
	}
	fmt.Println("consumers:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tMODE\tOFFSET\tLAG\tACTIVE\tSTATE")
	for _, c := range status.Consumers {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%v\t%s\n",
			c.ID, c.Mode, c.Offset, c.Lag, c.Active, c.State)
	}
	w.Flush()
}

func cmdConsumers(client *logstream.Client) {
	consumers, err := client.Consumers(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tOFFSET\tLAG\tACTIVE\tLAST_SEEN")
	for _, c := range consumers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
			c.ID, c.Mode, c.Offset, c.Lag, c.Active, c.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}

func cmdSegments(client *logstream.Client) {
	segments, err := client.Segments(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFIRST_SEQ\tLAST_SEQ\tRECORDS\tSIZE\tSEALED_AT\tCORRUPT\tARCHIVE")
	for _, s := range segments {
		archive := s.ArchiveKey
		if archive == "" {
			archive = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\t%v\t%s\n",
			s.ID, s.FirstSeq, s.LastSeq, s.Records, s.SizeBytes,
			s.SealedAt.Format(time.RFC3339), s.Corrupt, archive)
	}
	w.Flush()
}

func cmdSubmit(client *logstream.Client, source string, rest []string, redacted bool) {
	var payload []byte
	if len(rest) > 0 {
		payload = []byte(rest[0])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading stdin: %v\n", err)
			os.Exit(1)
		}
		payload = data
	}

	submit := client.Submit
	if redacted {
		submit = client.SubmitRedacted
	}
	seq, err := submit(context.Background(), payload, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sequence: %d\n", seq)
}

func cmdRegister(client *logstream.Client, id, mode string, rest []string) {
	var from uint64
	if len(rest) > 0 {
		v, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid from sequence %q\n", rest[0])
			os.Exit(1)
		}
		from = v
	}

	reg, err := client.Register(context.Background(), id, mode, from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id: %s\nmode: %s\nsince_seq: %d\noffset: %d\n", reg.ID, reg.Mode, reg.SinceSeq, reg.Offset)
}

func cmdUnregister(client *logstream.Client, id string) {
	if err := client.Unregister(context.Background(), id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("unregistered %s\n", id)
}

func cmdFetch(client *logstream.Client, id string, rest []string) {
	maxCount := 0
	if len(rest) > 0 {
		v, err := strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid max %q\n", rest[0])
			os.Exit(1)
		}
		maxCount = v
	}

	batch, err := client.Fetch(context.Background(), id, maxCount, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	for _, gap := range batch.Gaps {
		fmt.Fprintf(os.Stderr, "gap %d-%d (%s)\n", gap.FirstSeq, gap.LastSeq, gap.Reason)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSOURCE\tTIMESTAMP\tPAYLOAD")
	for _, rec := range batch.Records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			rec.Sequence, rec.Source, rec.Timestamp.Format(time.RFC3339), rec.Payload)
	}
	w.Flush()
	fmt.Printf("next: %d\n", batch.Next)
}

func cmdAck(client *logstream.Client, id, seqArg string) {
	seq, err := strconv.ParseUint(seqArg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid sequence %q\n", seqArg)
		os.Exit(1)
	}

	res, err := client.Ack(context.Background(), id, seq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("applied: %v\noffset: %d\n", res.Applied, res.Offset)
}

func cmdTail(client *logstream.Client, source, level string) {
	tail, err := client.Tail(context.Background(), logstream.TailOptions{
		Source: source,
		Level:  level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer tail.Close()

	for {
		rec, err := tail.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		fmt.Printf("%d %s %s\n", rec.Sequence, rec.Source, rec.Payload)
	}
}
