package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/conversation"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <receiver-id> [message]",
	Short: "Send a chat message, typing indicator or read receipt",
	Long: `Connect as a user, send one envelope to another user and disconnect.

The message is required for CHAT and ignored otherwise.

Examples:
  stageconnect send --server http://localhost:8080 --user-id 3 7 "hello"
  stageconnect send -c client.hcl --type typing 7
  stageconnect send -c client.hcl --type read 7`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendType    string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	addClientFlags(sendCmd)
	sendCmd.Flags().StringVar(&sendType, "type", "chat", "envelope type (chat, typing, read)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "total operation timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
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
	receiverID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid receiver id %q", args[0])
	}

	msgType := envelope.MessageType(strings.ToUpper(sendType))
	var message string
	switch msgType {
	case envelope.TypeChat:
		if len(args) < 2 {
			return errors.New("a message is required")
		}
		message = args[1]
	case envelope.TypeTyping, envelope.TypeRead:
	default:
		return fmt.Errorf("cannot send envelopes of type %q", sendType)
	}

	metrics, tracing := cfg.Observability(nil, Version)
	builder, err := cfg.ClientBuilder(metrics, tracing)
	if err != nil {
		return err
	}
	wsClient, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create messaging client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := wsClient.Connect(ctx, cfg.Client.UserID, cfg.Client.Token); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := wsClient.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	conversationID := envelope.ConversationIDFor(userID, receiverID)

	switch msgType {
	case envelope.TypeChat:
		composer := conversation.NewComposer(conversation.SendVia(wsClient, userID))
		composer.SetInput(message)
		sent, err := composer.Submit(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		if !sent {
			return errors.New("refusing to send a blank message")
		}
	case envelope.TypeTyping:
		err = wsClient.SendTyping(ctx, receiverID)
	case envelope.TypeRead:
		err = wsClient.SendRead(ctx, receiverID, conversationID)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	logger.Info("Sent",
		zap.String("type", string(msgType)),
		zap.Int64("receiverId", receiverID),
		zap.String("conversationId", conversationID),
	)
	return nil
}
