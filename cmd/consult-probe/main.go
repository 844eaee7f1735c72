// consult-probe is a small operator CLI for poking a running relay: join a
// consultation room, watch the event stream, or send a chat message.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type probeOpts struct {
	url        string
	user       string
	userHeader string
	token      string
	origin     string
}

func main() {
	opts := &probeOpts{}

	root := &cobra.Command{
		Use:           "consult-probe",
		Short:         "Probe a consult-relay instance over its WebSocket API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws/consultation", "relay WebSocket URL")
	root.PersistentFlags().StringVar(&opts.user, "user", "", "principal to connect as (header auth)")
	root.PersistentFlags().StringVar(&opts.userHeader, "user-header", "X-Consult-User", "header carrying the principal")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (jwt auth)")
	root.PersistentFlags().StringVar(&opts.origin, "origin", "", "Origin header to present")

	root.AddCommand(watchCommand(opts), chatCommand(opts), endCommand(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watchCommand(opts *probeOpts) *cobra.Command {
	var roomID, userName, userType string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room and print every frame until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := dial(opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendJSON(conn, map[string]any{
				"action": "consultation.join", "roomId": roomID,
				"userName": userName, "userType": userType,
			}); err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				_ = sendJSON(conn, map[string]any{"action": "consultation.leave", "roomId": roomID})
				conn.Close()
			}()

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				fmt.Println(string(raw))
			}
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "consultation room ID")
	cmd.Flags().StringVar(&userName, "name", "", "display name to join with")
	cmd.Flags().StringVar(&userType, "type", "OBSERVER", "user type to join with")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func chatCommand(opts *probeOpts) *cobra.Command {
	var roomID, message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room, send one chat message, and wait for its echo",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendJSON(conn, map[string]any{
				"action": "consultation.join", "roomId": roomID,
			}); err != nil {
				return err
			}
			if err := sendJSON(conn, map[string]any{
				"action": "consultation.chat", "roomId": roomID, "content": message,
			}); err != nil {
				return err
			}

			// The chat topic echoes the message back to the sender, which
			// confirms the relay accepted and fanned it out.
			deadline := time.Now().Add(5 * time.Second)
			for {
				_ = conn.SetReadDeadline(deadline)
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("no chat echo received: %w", err)
				}
				var frame struct {
					Destination string `json:"destination"`
				}
				if err := json.Unmarshal(raw, &frame); err != nil {
					continue
				}
				if frame.Destination == "/topic/consultation."+roomID+".chat" {
					fmt.Println(string(raw))
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "consultation room ID")
	cmd.Flags().StringVar(&message, "message", "", "chat message to send")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func endCommand(opts *probeOpts) *cobra.Command {
	var roomID string

	cmd := &cobra.Command{
		Use:   "end",
		Short: "End a consultation room",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			return sendJSON(conn, map[string]any{
				"action": "consultation.end", "roomId": roomID,
			})
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "consultation room ID")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func dial(opts *probeOpts) (*websocket.Conn, error) {
	target, err := url.Parse(opts.url)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if opts.token != "" {
		q := target.Query()
		q.Set("token", opts.token)
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	if opts.user != "" {
		header.Set(opts.userHeader, opts.user)
	}
	if opts.origin != "" {
		header.Set("Origin", opts.origin)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

func sendJSON(conn *websocket.Conn, v map[string]any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
