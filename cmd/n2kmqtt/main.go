// Command n2kmqtt reads NMEA 2000 traffic from a SocketCAN interface,
// decodes it and publishes each message as a JSON document to an MQTT broker.
// Messages are published to `<topic-prefix>/<source>/<pgn>`.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aldrik/go-n2k/catalog"
	"github.com/aldrik/go-n2k/socketcan"
	"go.uber.org/zap"
)

func main() {
	interfaceName := flag.String("interface", "can0", "SocketCAN interface name")
	pgnsPath := flag.String("pgns", "", "path to canboat compatible pgns.json file")
	brokerURL := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID := flag.String("client-id", "n2kmqtt", "MQTT client identifier")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	topicPrefix := flag.String("topic-prefix", "n2k", "MQTT topic prefix")
	qos := flag.Int("qos", 0, "MQTT quality of service (0, 1, 2)")
	retained := flag.Bool("retained", false, "publish with the retained flag, the broker keeps the last message per topic")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *pgnsPath == "" {
		logger.Fatal("missing -pgns path")
	}
	if *qos < 0 || *qos > 2 {
		logger.Fatal("invalid -qos, must be 0, 1 or 2")
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
	decoder := catalog.NewDecoderWithConfig(cat, catalog.DecoderConfig{
		DecodeLookupsToEnumType: true,
	})

	client := newMQTTClient(*brokerURL, *clientID, *username, *password, logger)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("could not connect to MQTT broker", zap.Error(token.Error()))
	}
	defer client.Disconnect(500)

	device := socketcan.NewDevice(socketcan.DeviceConfig{
		InterfaceName:  *interfaceName,
		FastPacketPGNs: cat.FastPacketPGNs(),
		Logger:         logger,
	})
	if err := device.Initialize(); err != nil {
		logger.Fatal("could not initialize CAN device", zap.Error(err))
	}
	defer device.Close()
	logger.Info("starting to read", zap.String("interface", *interfaceName))

	for {
		rawMessage, err := device.ReadRawMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("could not read message", zap.Error(err))
			continue
		}

		msg, err := decoder.Decode(rawMessage)
		if err != nil && len(msg.Fields) == 0 {
			logger.Debug("could not decode message",
				zap.Uint32("pgn", rawMessage.Header.PGN),
				zap.Error(err),
			)
			continue
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			logger.Error("could not marshal message", zap.Error(err))
			continue
		}

		topic := fmt.Sprintf("%v/%v/%v", *topicPrefix, msg.Header.Source, msg.Header.PGN)
		token := client.Publish(topic, byte(*qos), *retained, payload)
		go func(t mqtt.Token, topic string) {
			if t.WaitTimeout(time.Second) && t.Error() != nil {
				logger.Error("could not publish message", zap.String("topic", topic), zap.Error(t.Error()))
			}
		}(token, topic)
	}
}

func newMQTTClient(brokerURL string, clientID string, username string, password string, logger *zap.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(false)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost, reconnecting", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("connected to MQTT broker", zap.String("broker", brokerURL))
	})
	return mqtt.NewClient(opts)
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
