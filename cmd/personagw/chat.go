package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/szaher/designs/personagw/internal/dispatch"
	"github.com/szaher/designs/personagw/internal/message"
	"github.com/szaher/designs/personagw/internal/runtime"
)

func newChatCmd() *cobra.Command {
	var (
		personaName  string
		input        string
		image        string
		video        string
		fps          float64
		userID       string
		maxLength    int
		systemPrompt string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send one turn to a persona and print the reply",
		Long:  "One-shot invocation without the HTTP server: load config, build the personas, run a single turn, print the reply, shut down.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" && image == "" && video == "" {
				return errors.New("--input, --image or --video is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer closeCancel()
				_ = rt.Close(closeCtx)
			}()

			reply, err := rt.Dispatcher().HandleTurn(ctx, dispatch.Turn{
				UserID:       userID,
				Persona:      personaName,
				Current:      chatInput(input, image, video, fps),
				MaxLength:    maxLength,
				SystemPrompt: systemPrompt,
			})
			if err != nil {
				return fmt.Errorf("turn failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]string{
					"response": reply.Text,
					"user_id":  reply.UserID,
					"persona":  string(reply.Persona),
				})
			}
			fmt.Fprintln(out, reply.Text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&personaName, "persona", "p", "general", "Persona selector")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Message text")
	cmd.Flags().StringVar(&image, "image", "", "Image reference to attach")
	cmd.Flags().StringVar(&video, "video", "", "Video reference to attach")
	cmd.Flags().Float64Var(&fps, "fps", 1.0, "Sampling rate for --video")
	cmd.Flags().StringVar(&userID, "user", "", "User id (a new one is generated when empty)")
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "Requested max length (0 uses the configured default)")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Prompt override for this turn")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the reply as JSON")

	return cmd
}

// chatInput builds the turn's message from the command-line flags.
func chatInput(text, image, video string, fps float64) message.Raw {
	if image == "" && video == "" {
		return message.FromText(message.RoleUser, text)
	}
	var parts []message.Part
	if text != "" {
		parts = append(parts, message.TextPart(text))
	}
	if image != "" {
		parts = append(parts, message.ImagePart(image))
	}
	if video != "" {
		parts = append(parts, message.VideoPart(video, fps))
	}
	return message.FromParts(message.RoleUser, parts...)
}
