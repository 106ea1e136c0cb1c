package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/conversation"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/subutils"
	"github.com/stageconnect/messaging/pkg/messaging/transform"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen [destinations...]",
	Short: "Connect as a user and print incoming messages",
	Long: `Connect to the messaging backend as a user and print every envelope
delivered to the user's private topic, one per line as destination and JSON.

Additional destinations may be given to subscribe to; MQTT-style wildcards
are allowed. The connection is re-established automatically if it drops.

Examples:
  stageconnect listen --server http://localhost:8080 --user-id 3
  stageconnect listen -c client.hcl --types CHAT,READ
  stageconnect listen -c client.hcl --jq '{from: .senderId, text: .content}'`,
	RunE: runListen,
}

var (
	listenJq        string
	listenTypes     []string
	listenQueueSize int
)

func init() {
	rootCmd.AddCommand(listenCmd)

	addClientFlags(listenCmd)
	listenCmd.Flags().StringVar(&listenJq, "jq", "", "jq query applied to each envelope before printing")
	listenCmd.Flags().StringSliceVar(&listenTypes, "types", nil, "only print these envelope types")
	listenCmd.Flags().IntVar(&listenQueueSize, "queue-size", 100, "envelopes buffered for printing")
}

func listenTransforms(logger *zap.Logger) ([]transform.Func, error) {
	var transforms []transform.Func

	if len(listenTypes) > 0 {
		types := make([]envelope.MessageType, 0, len(listenTypes))
		for _, t := range listenTypes {
			mt := envelope.MessageType(strings.ToUpper(strings.TrimSpace(t)))
			if !mt.Valid() {
				return nil, fmt.Errorf("unknown envelope type %q", t)
			}
			types = append(types, mt)
		}
		transforms = append(transforms, transform.OnlyTypes(types...))
	}

	if listenJq != "" {
		jq, err := transform.Jq(listenJq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, jq)
	}

	return transforms, nil
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := requireUserID(cfg); err != nil {
		return err
	}
	userID, err := client.ParseUserID(cfg.Client.UserID)
	if err != nil {
		return err
	}

	transforms, err := listenTransforms(logger)
	if err != nil {
		return err
	}

	metrics, tracing := cfg.Observability(nil, Version)
	if stop := serveMetrics(cfg, logger, nil); stop != nil {
		defer stop()
	}

	builder, err := cfg.ClientBuilder(metrics, tracing)
	if err != nil {
		return err
	}
	wsClient, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create messaging client: %w", err)
	}

	printing := subutils.NewTransformingHandler(func(msg transform.Message) {
		printMessage(logger, msg)
	}, transforms...)
	printer := subutils.NewAsyncHandler(printing.Handle, listenQueueSize).Start()
	defer printer.Close()

	store := conversation.NewStore(userID, logger)
	detach := store.Attach(wsClient)
	defer detach()

	removeListener := wsClient.OnEvent(subutils.NewNamedLoggingListener(func(ev messaging.Event) {
		if msg, ok := ev.(messaging.MessageReceived); ok {
			printer.Handle(msg.Destination, msg.Envelope)
		}
	}, logger, zap.DebugLevel, "listen").Listen)
	defer removeListener()

	removeSubscriber := subscribeOnConnect(wsClient, args, printer.Handle, logger)
	defer removeSubscriber()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Connecting",
		zap.String("userId", cfg.Client.UserID),
		zap.String("transport", cfg.Client.Transport),
	)

	if err := wsClient.Connect(ctx, cfg.Client.UserID, cfg.Client.Token); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Listening for messages... (Press Ctrl+C to exit)")

	sig := <-sigChan
	logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))

	if err := wsClient.Disconnect(); err != nil {
		logger.Warn("Error during client disconnect", zap.Error(err))
	}

	for _, conv := range store.List() {
		logger.Info("Conversation",
			zap.String("conversationId", conv.ID),
			zap.Int64("partnerId", conv.PartnerID),
			zap.Int("messages", len(conv.Messages)),
			zap.Int("unread", conv.Unread),
			zap.Time("lastActivity", conv.LastActivity()),
		)
	}
	if dropped := printer.Dropped(); dropped > 0 {
		logger.Warn("Envelopes dropped by a full print queue", zap.Uint64("dropped", dropped))
	}

	logger.Info("Shutdown complete")
	return nil
}

type eventSubscriber interface {
	OnEvent(listener messaging.Listener) (remove func())
	Subscribe(destination string, handler messaging.Handler) messaging.Subscription
}

// subscribeOnConnect subscribes to destinations every time c connects. The
// client only restores the user topic after a dropped connection.
func subscribeOnConnect(c eventSubscriber, destinations []string, handler messaging.Handler, logger *zap.Logger) (remove func()) {
	return c.OnEvent(func(ev messaging.Event) {
		if _, ok := ev.(messaging.Connected); !ok {
			return
		}
		for _, destination := range destinations {
			if sub := c.Subscribe(destination, handler); sub == nil {
				logger.Error("Failed to subscribe", zap.String("destination", destination))
			} else {
				logger.Info("Subscribed", zap.String("destination", destination))
			}
		}
	})
}

func printMessage(logger *zap.Logger, msg transform.Message) {
	jsonBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		fmt.Printf("%s\t<error marshaling JSON: %v>\n", msg.Destination, err)
		logger.Warn("Failed to marshal message to JSON",
			zap.String("destination", msg.Destination),
			zap.Error(err))
		return
	}
	fmt.Printf("%s\t%s\n", msg.Destination, string(jsonBytes))
}
