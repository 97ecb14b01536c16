// Package main provides a CLI for inspecting session tapes recorded by the
// proxy. Tapes are capped Redis streams keyed tape:<session-id>, one entry
// per proxied message with its direction.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix = "tape:"
	scanBatch        = 100
	followBlock      = 5 * time.Second
)

// Config holds reader configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type commandFlags struct {
	list    bool
	session string
	follow  bool
	raw     bool
}

func main() {
	config, cmd := parseFlags()

	client := connectRedis(config)

	defer func() { _ = client.Close() }()

	reader := &TapeReader{
		client: client,
		config: config,
		ctx:    context.Background(),
	}

	executeCommand(reader, cmd)
}

func parseFlags() (Config, commandFlags) {
	var (
		addr     = flag.String("redis", "localhost:6379", "Redis address")
		password = flag.String("password", "", "Redis password")
		db       = flag.Int("db", 0, "Redis database")
		prefix   = flag.String("prefix", defaultKeyPrefix, "Tape key prefix")
		list     = flag.Bool("list", false, "List recorded session tapes")
		session  = flag.String("session", "", "Dump the tape for a session id")
		follow   = flag.Bool("follow", false, "Keep reading as new entries arrive")
		raw      = flag.Bool("raw", false, "Print payloads as raw JSON lines")
	)

	flag.Parse()

	config := Config{
		Addr:      *addr,
		Password:  *password,
		DB:        *db,
		KeyPrefix: *prefix,
	}

	return config, commandFlags{
		list:    *list,
		session: *session,
		follow:  *follow,
		raw:     *raw,
	}
}

func connectRedis(config Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	return client
}

// TapeReader reads session tapes written by the proxy's recorder.
type TapeReader struct {
	client *redis.Client
	config Config
	ctx    context.Context
}

func executeCommand(reader *TapeReader, cmd commandFlags) {
	switch {
	case cmd.list:
		if err := reader.listTapes(); err != nil {
			log.Fatalf("Failed to list tapes: %v", err)
		}

	case cmd.session != "":
		if err := reader.dumpTape(cmd.session, cmd.raw, cmd.follow); err != nil {
			log.Fatalf("Failed to read tape: %v", err)
		}

	default:
		flag.Usage()
	}
}

// listTapes scans for tape keys and prints one line per recorded session.
func (r *TapeReader) listTapes() error {
	var (
		cursor uint64
		found  int
	)

	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, r.config.KeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}

		for _, key := range keys {
			length, err := r.client.XLen(r.ctx, key).Result()
			if err != nil {
				return err
			}

			fmt.Printf("%-40s %6d entries\n", strings.TrimPrefix(key, r.config.KeyPrefix), length)

			found++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if found == 0 {
		fmt.Println("No tapes recorded")
	}

	return nil
}

// dumpTape prints every entry of one session tape in recorded order, then
// optionally blocks for new entries.
func (r *TapeReader) dumpTape(sessionID string, raw, follow bool) error {
	key := r.config.KeyPrefix + sessionID

	entries, err := r.client.XRange(r.ctx, key, "-", "+").Result()
	if err != nil {
		return err
	}

	if len(entries) == 0 && !follow {
		return fmt.Errorf("no tape for session %s", sessionID)
	}

	lastID := "0"

	for _, entry := range entries {
		printEntry(entry, raw)

		lastID = entry.ID
	}

	if !follow {
		return nil
	}

	for {
		streams, err := r.client.XRead(r.ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   followBlock,
		}).Result()
		if err != nil {
			// A block timeout just means no new entries yet.
			if errors.Is(err, redis.Nil) {
				continue
			}

			return err
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				printEntry(entry, raw)

				lastID = entry.ID
			}
		}
	}
}

func printEntry(entry redis.XMessage, raw bool) {
	direction, _ := entry.Values["direction"].(string)
	payload, _ := entry.Values["payload"].(string)

	if raw {
		fmt.Println(payload)

		return
	}

	fmt.Printf("%s %-8s %s\n", entryTime(entry.ID).Format(time.RFC3339), direction, summarize(payload))
}

// summarize renders one recorded JSON-RPC message as a short line.
func summarize(payload string) string {
	var msg struct {
		Method string      `json:"method"`
		ID     interface{} `json:"id"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return payload
	}

	switch {
	case msg.Error != nil:
		return fmt.Sprintf("error %d %q (id=%v)", msg.Error.Code, msg.Error.Message, msg.ID)
	case msg.Method != "":
		return fmt.Sprintf("%s (id=%v)", msg.Method, msg.ID)
	default:
		return fmt.Sprintf("response (id=%v)", msg.ID)
	}
}

// entryTime recovers the wall clock from a stream entry id (<ms>-<seq>).
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(n)
}
