package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/sim"
	"github.com/zsiec/sensorlink/pkg/version"
)

func main() {
	var (
		target      string
		local       string
		rateHz      float64
		dropRate    float64
		dupRate     float64
		startSeq    uint
		yawRate     float64
		magic       string
		count       int
		waitFor     string
		seed        int64
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&target, "target", "127.0.0.1:7400", "Service UDP address")
	flag.StringVar(&local, "local", "127.0.0.1:7401", "Local address to send from; this is the device ID the service must be configured with")
	flag.Float64Var(&rateHz, "rate", 100, "Packets per second")
	flag.Float64Var(&dropRate, "drop", 0, "Probability of skipping a packet")
	flag.Float64Var(&dupRate, "duplicate", 0, "Probability of sending a packet twice")
	flag.UintVar(&startSeq, "start-seq", 0, "First sequence number")
	flag.Float64Var(&yawRate, "yaw-rate", 0.5, "Simulated rotation about z in rad/s")
	flag.StringVar(&magic, "magic", "", "Hex payload prefix")
	flag.IntVar(&count, "count", 0, "Packets to send, 0 for unbounded")
	flag.StringVar(&waitFor, "wait-for", "", "Command that must arrive before streaming starts, e.g. START")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed for drop and duplicate injection")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrusLogger.SetLevel(logrus.DebugLevel)
	}
	log := logger.FromLogrus(logrusLogger)

	if startSeq > 0xFFFF {
		logrusLogger.Fatalf("start-seq must fit in 16 bits, got %d", startSeq)
	}
	magicBytes, err := hex.DecodeString(strings.TrimPrefix(magic, "0x"))
	if err != nil {
		logrusLogger.WithError(err).Fatal("Invalid magic")
	}

	targetAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Invalid target address")
	}
	localAddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Invalid local address")
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Failed to bind local address")
	}
	defer conn.Close()

	opts := sim.Options{
		RateHz:        rateHz,
		DropRate:      dropRate,
		DuplicateRate: dupRate,
		StartSequence: uint16(startSeq),
		YawRate:       yawRate,
		Magic:         magicBytes,
		Count:         count,
		Seed:          seed,
	}
	if waitFor != "" {
		opts.WaitFor = []byte(waitFor)
	}

	dev, err := sim.NewDevice(conn, targetAddr, opts, log)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Invalid simulator options")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithFields(map[string]interface{}{
		"device_id": conn.LocalAddr().String(),
		"target":    targetAddr.String(),
		"rate_hz":   rateHz,
		"drop":      dropRate,
		"duplicate": dupRate,
		"wait_for":  waitFor,
	}).Info("Simulated device ready")

	if err := dev.Run(ctx); err != nil {
		log.WithError(err).Error("Simulator stopped")
	}

	stats := dev.Stats()
	log.WithFields(map[string]interface{}{
		"sent":       stats.Sent,
		"dropped":    stats.Dropped,
		"duplicated": stats.Duplicated,
		"commands":   stats.Commands,
	}).Info("Simulator finished")
}
