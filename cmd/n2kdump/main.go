package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aldrik/go-n2k"
	"github.com/aldrik/go-n2k/catalog"
	"github.com/aldrik/go-n2k/logformat"
	"github.com/aldrik/go-n2k/socketcan"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

func main() {
	input := flag.String("input", "can", "input type (can, plain, candump, serial)")
	source := flag.String("source", "can0", "CAN interface name, log file path or serial device, depending on -input")
	pgnsPath := flag.String("pgns", "", "path to canboat compatible pgns.json file")
	pgnFilter := flag.String("filter", "", "comma separated list of PGNs to keep")
	onlyRaw := flag.Bool("raw-only", false, "print only raw messages (do not decode)")
	onlyRead := flag.Bool("read-only", false, "do not forward STDIN lines to the bus")
	decodeEnums := flag.Bool("enums", true, "decode lookup fields to their symbolic names")
	csvFieldsRaw := flag.String("csv-fields", "", "list of PGNs and their fields to be written in CSV. `129025:_time_ms,latitude,longitude;65280:manufacturerCode,industryCode`")
	baudRate := flag.Int("baud", 115200, "serial device baud rate")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *source == "" {
		logger.Fatal("missing -source")
	}

	var decoder *catalog.Decoder
	var fastPacketPGNs []uint32
	if !*onlyRaw {
		if *pgnsPath == "" {
			logger.Fatal("missing -pgns path")
		}
		schema, err := catalog.LoadSchema(os.DirFS("."), *pgnsPath)
		if err != nil {
			logger.Fatal("could not load PGN schema", zap.Error(err))
		}
		cat, err := catalog.New(schema)
		if err != nil {
			logger.Fatal("could not build PGN catalog", zap.Error(err))
		}
		logger.Info("loaded PGN definitions", zap.Int("count", cat.DefinitionCount()))

		decoder = catalog.NewDecoderWithConfig(cat, catalog.DecoderConfig{
			DecodeLookupsToEnumType: *decodeEnums,
		})
		fastPacketPGNs = cat.FastPacketPGNs()
	}

	var filter []uint32
	if *pgnFilter != "" {
		var err error
		filter, err = parsePGNList(*pgnFilter)
		if err != nil {
			logger.Fatal("invalid -filter", zap.Error(err))
		}
		logger.Info("using PGN filter", zap.Uint32s("pgns", filter))
	}

	csvFields, err := parseCSVExports(*csvFieldsRaw)
	if err != nil {
		logger.Fatal("invalid -csv-fields", zap.Error(err))
	}
	for _, ce := range csvFields {
		filter = append(filter, ce.PGN)
	}

	reader, err := newReader(*input, *source, *baudRate, fastPacketPGNs, logger)
	if err != nil {
		logger.Fatal("could not open input", zap.Error(err))
	}
	if err := reader.Initialize(); err != nil {
		logger.Fatal("could not initialize input", zap.Error(err))
	}
	defer reader.Close()
	logger.Info("starting to read", zap.String("input", *input), zap.String("source", *source))

	if device, ok := reader.(n2k.RawMessageWriter); ok && !*onlyRead {
		go forwardSTDIN(device, logger)
	}

	msgCount := uint64(0)
	errCount := uint64(0)
	readErrCount := 0
	for {
		rawMessage, err := reader.ReadRawMessage(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			readErrCount++
			logger.Error("could not read message", zap.Error(err))
			if readErrCount > 20 {
				return
			}
			continue
		}
		readErrCount = 0
		msgCount++

		if filter != nil && !contains(filter, rawMessage.Header.PGN) {
			continue
		}

		if *onlyRaw {
			b, _ := json.Marshal(rawMessage)
			fmt.Printf("%s\n", b)
			continue
		}

		msg, err := decoder.Decode(rawMessage)
		if err != nil && len(msg.Fields) == 0 {
			errCount++
			logger.Warn("could not decode message",
				zap.Uint32("pgn", rawMessage.Header.PGN),
				zap.Uint8("source", rawMessage.Header.Source),
				zap.Error(err),
			)
			continue
		}

		if found, values, ok := csvFields.Match(msg, rawMessage.Time); ok {
			if err := found.WriteRow(values); err != nil {
				logger.Fatal("could not write CSV row", zap.Error(err))
			}
		}

		b, err := json.Marshal(msg)
		if err != nil {
			logger.Fatal("could not marshal message", zap.Error(err))
		}
		fmt.Printf("%s\n", b)
	}
	logger.Info("finished", zap.Uint64("messages", msgCount), zap.Uint64("decodeErrors", errCount))
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// newReader opens the configured input as a complete-message reader. Frame
// oriented inputs get fast-packet reassembly wired in.
func newReader(input string, source string, baudRate int, fastPacketPGNs []uint32, logger *zap.Logger) (n2k.RawMessageReader, error) {
	switch input {
	case "can":
		return socketcan.NewDevice(socketcan.DeviceConfig{
			InterfaceName:  source,
			FastPacketPGNs: fastPacketPGNs,
			Logger:         logger,
		}), nil
	case "plain", "candump":
		var in io.ReadCloser
		if source == "-" {
			in = os.Stdin
		} else {
			f, err := os.Open(source)
			if err != nil {
				return nil, err
			}
			in = f
		}
		lr := &lineReader{
			closer:  in,
			scanner: bufio.NewScanner(in),
			logger:  logger,
		}
		if input == "plain" {
			lr.parseMessage = logformat.UnmarshalPlain
		} else {
			lr.parseFrame = logformat.UnmarshalCandump
			lr.assembler = n2k.NewFastPacketAssembler(fastPacketPGNs)
		}
		return lr, nil
	case "serial":
		port, err := serial.OpenPort(&serial.Config{
			Name: source,
			Baud: baudRate,
			Size: 8,
		})
		if err != nil {
			return nil, err
		}
		return &lineReader{
			closer:       port,
			scanner:      bufio.NewScanner(port),
			parseMessage: logformat.UnmarshalPlain,
			logger:       logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown input type: %v", input)
}

// lineReader reads text log lines and turns them into complete raw messages.
// Lines that do not parse are logged and skipped.
type lineReader struct {
	closer  io.Closer
	scanner *bufio.Scanner
	logger  *zap.Logger

	// parseMessage is set when each line carries a complete message,
	// parseFrame plus assembler when lines carry single CAN frames.
	parseMessage func(raw string) (n2k.RawMessage, error)
	parseFrame   func(raw string) (n2k.RawFrame, error)
	assembler    *n2k.FastPacketAssembler
}

func (r *lineReader) Initialize() error { return nil }

func (r *lineReader) Close() error { return r.closer.Close() }

func (r *lineReader) ReadRawMessage(ctx context.Context) (n2k.RawMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return n2k.RawMessage{}, err
			}
			return n2k.RawMessage{}, io.EOF
		}
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if r.parseMessage != nil {
			msg, err := r.parseMessage(line)
			if err != nil {
				r.logger.Warn("could not parse log line", zap.String("line", line), zap.Error(err))
				continue
			}
			return msg, nil
		}

		frame, err := r.parseFrame(line)
		if err != nil {
			r.logger.Warn("could not parse log line", zap.String("line", line), zap.Error(err))
			continue
		}
		var msg n2k.RawMessage
		complete, err := r.assembler.Assemble(frame, &msg)
		if err != nil {
			r.logger.Warn("fast-packet reassembly failed", zap.Error(err))
		}
		if complete {
			return msg, nil
		}
	}
}

// forwardSTDIN sends plain format log lines from STDIN to the bus.
// For example requesting product info (PGN 126996) from all devices:
// 2023-01-01T00:00:00Z,6,59904,0,255,3,14,f0,01
func forwardSTDIN(device n2k.RawMessageWriter, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := logformat.UnmarshalPlain(line)
		if err != nil {
			logger.Warn("could not parse input line", zap.String("line", line), zap.Error(err))
			continue
		}
		if err := device.Write(msg); err != nil {
			logger.Error("could not write message", zap.Error(err))
		}
	}
}

func parsePGNList(s string) ([]uint32, error) {
	result := make([]uint32, 0, 10)
	for _, p := range strings.Split(s, ",") {
		pgn, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		result = append(result, uint32(pgn))
	}
	return result, nil
}

func contains[T comparable](elems []T, v T) bool {
	for _, s := range elems {
		if v == s {
			return true
		}
	}
	return false
}
