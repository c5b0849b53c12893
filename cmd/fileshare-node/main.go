package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/meshchat/fileshare/internal/engine"
	"github.com/meshchat/fileshare/internal/seedstore"
	"github.com/meshchat/fileshare/internal/transport"
	"github.com/meshchat/fileshare/pkg/logger"
	"github.com/meshchat/fileshare/pkg/protocol"
)

func main() {
	relayURL := flag.String("relay", "wss://relay.meshchat.dev", "Relay server URL")
	peerID := flag.String("peer-id", "", "Peer identity (random UUID when empty)")
	dataDir := flag.String("data", "./data", "Data directory for persisted seeds")
	postgresDSN := flag.String("postgres", "", "Postgres connection string (uses disk store when empty)")
	quota := flag.Int64("quota", 512*1024*1024, "Seed store quota in bytes")
	channel := flag.String("channel", "", "Channel to join on startup")
	channelKey := flag.String("key", "", "Channel encryption key (plaintext payloads when empty)")
	uploadRate := flag.Int64("upload-rate", 0, "Upload cap in bytes/sec (0 = unlimited)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *peerID == "" {
		*peerID = uuid.New().String()
	}

	log := logger.New("node")
	if *verbose {
		log.SetLevel(logger.DEBUG)
	}
	log.Info("peer id: %s", *peerID)
	log.Info("relay: %s", *relayURL)

	store, err := openStore(*postgresDSN, *dataDir, *quota)
	if err != nil {
		log.Error("opening seed store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	relay := transport.NewRelay(*relayURL, *peerID, log.WithPrefix("relay"))
	if err := relay.Connect(); err != nil {
		log.Error("connecting to relay: %v", err)
		os.Exit(1)
	}
	defer relay.Close()

	cfg := engine.DefaultConfig(*peerID)
	cfg.UploadRate = *uploadRate
	cfg.OnProgress = func(p engine.Progress) {
		log.Info("download %s: %d/%d pieces (%.0f%%)", p.FileID, p.ReceivedCount, p.PieceCount, p.Percent)
	}
	cfg.OnComplete = func(meta *protocol.FileMetadata, data []byte) {
		log.Info("download complete: %s (%s, %d bytes)", meta.FileID, meta.FileName, len(data))
	}
	cfg.OnFailed = func(fileID string, err error) {
		log.Warn("download %s failed: %v", fileID, err)
	}
	cfg.OnSeederCount = func(fileID string, count int) {
		log.Debug("file %s: %d known seeders", fileID, count)
	}

	eng, err := engine.New(cfg, relay, store, log.WithPrefix("engine"))
	if err != nil {
		log.Error("starting engine: %v", err)
		os.Exit(1)
	}
	defer eng.Close()

	var key []byte
	if *channelKey != "" {
		key = []byte(*channelKey)
	}
	if *channel != "" {
		if err := eng.JoinChannel(*channel, key); err != nil {
			log.Error("joining %s: %v", *channel, err)
			os.Exit(1)
		}
		log.Info("joined channel %s", *channel)
	}

	go handleShutdown(eng, relay)
	runCLI(eng, *channel, key)
}

func openStore(dsn, dataDir string, quota int64) (seedstore.Store, error) {
	if dsn != "" {
		return seedstore.NewPostgresStore(dsn, quota)
	}
	return seedstore.NewDiskStore(dataDir, quota)
}

func handleShutdown(eng *engine.Engine, relay *transport.Relay) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	eng.Close()
	relay.Close()
	os.Exit(0)
}

func runCLI(eng *engine.Engine, channel string, key []byte) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	fmt.Println("\nCommands:")
	fmt.Println("  join <channel>        - Join a channel")
	fmt.Println("  share <filepath>      - Share a file on the current channel")
	fmt.Println("  download <meta.json>  - Download a file from its metadata")
	fmt.Println("  save <file-id> <path> - Write a held file to disk")
	fmt.Println("  list                  - List held files")
	fmt.Println("  remove <file-id>      - Stop seeding a file")
	fmt.Println("  quit                  - Exit")
	fmt.Println()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "join":
			if len(parts) < 2 {
				fmt.Println("Usage: join <channel>")
				continue
			}
			channel = parts[1]
			if err := eng.JoinChannel(channel, key); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Printf("Joined %s\n", channel)
		case "share":
			if len(parts) < 2 {
				fmt.Println("Usage: share <filepath>")
				continue
			}
			cmdShare(eng, channel, strings.Join(parts[1:], " "))
		case "download":
			if len(parts) < 2 {
				fmt.Println("Usage: download <meta.json>")
				continue
			}
			cmdDownload(eng, channel, parts[1], key)
		case "save":
			if len(parts) < 3 {
				fmt.Println("Usage: save <file-id> <path>")
				continue
			}
			cmdSave(eng, parts[1], parts[2])
		case "list":
			cmdList(eng)
		case "remove":
			if len(parts) < 2 {
				fmt.Println("Usage: remove <file-id>")
				continue
			}
			if err := eng.RemoveFile(parts[1]); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Println("Removed")
		case "quit", "exit":
			fmt.Println("Goodbye!")
			return
		default:
			fmt.Println("Unknown command:", parts[0])
		}
	}
}

func cmdShare(eng *engine.Engine, channel, path string) {
	if channel == "" {
		fmt.Println("Join a channel first")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	res := <-eng.Share(channel, name, mimeType, data)
	if res.Err != nil {
		fmt.Printf("Error: %v\n", res.Err)
		return
	}

	fmt.Printf("Shared: %s (%d pieces)\n", res.Metadata.FileID, res.Metadata.PieceCount)

	// Recipients download from this metadata document
	metaPath := name + ".meta.json"
	out, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err == nil {
		err = os.WriteFile(metaPath, out, 0644)
	}
	if err != nil {
		fmt.Printf("Could not write metadata file: %v\n", err)
		return
	}
	fmt.Printf("Metadata written to %s\n", metaPath)
}

func cmdDownload(eng *engine.Engine, channel, metaPath string, key []byte) {
	if channel == "" {
		fmt.Println("Join a channel first")
		return
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	var meta protocol.FileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		fmt.Printf("Error parsing metadata: %v\n", err)
		return
	}

	if err := eng.StartDownload(channel, &meta, key); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Downloading %s (%s, %d bytes)\n", meta.FileID, meta.FileName, meta.FileSize)
}

func cmdSave(eng *engine.Engine, fileID, path string) {
	r, err := eng.Open(fileID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer r.Close()

	f, err := os.Create(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Wrote %d bytes to %s\n", n, path)
}

func cmdList(eng *engine.Engine) {
	ids := eng.Holdings()
	if len(ids) == 0 {
		fmt.Println("Not seeding any files")
		return
	}
	fmt.Println("Held files:")
	for _, id := range ids {
		if meta, ok := eng.Metadata(id); ok {
			fmt.Printf("  [%s] %s (%d bytes, %d pieces)\n", id, meta.FileName, meta.FileSize, meta.PieceCount)
		}
	}
}
