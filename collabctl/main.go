package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/mattn/go-shellwords"
	"golang.org/x/term"

	"github.com/bringyour/docsync/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultUrl = "ws://localhost:8080"

func main() {
	usage := fmt.Sprintf(`Collaboration control.

The default url is %s

Usage:
    collabctl cat <key> [--url=<url>] [--token=<token>]
    collabctl append <key> <text> [--url=<url>] [--token=<token>]
    collabctl edit <key> [--url=<url>] [--token=<token>]
    collabctl shell <key> [--url=<url>] [--token=<token>]
    collabctl rooms [--url=<url>] [--token=<token>]
    collabctl token --secret=<secret> --sub=<sub>
        [--scope=<scope>] [--path=<path>...] [--ttl=<ttl>]
    collabctl discover [--timeout=<timeout>]
    collabctl -h | --help
    collabctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Server websocket url.
    --token=<token>      Client token.
    --secret=<secret>    HMAC secret of the server.
    --sub=<sub>          Token subject.
    --scope=<scope>      Space separated actions [default: read write].
    --path=<path>        Allowed path prefix. May be repeated.
    --ttl=<ttl>          Token lifetime [default: 24h].
    --timeout=<timeout>  Discovery time [default: 5s].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")

	if cat_, _ := opts.Bool("cat"); cat_ {
		err = cat(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		err = appendText(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		err = edit(opts)
	} else if shell_, _ := opts.Bool("shell"); shell_ {
		err = shell(opts)
	} else if rooms_, _ := opts.Bool("rooms"); rooms_ {
		err = rooms(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	} else if discover_, _ := opts.Bool("discover"); discover_ {
		err = discover(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func serverUrl(opts docopt.Opts) string {
	if u, err := opts.String("--url"); err == nil && u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return DefaultUrl
}

// a synchronized local replica of one room
type roomClient struct {
	ws      *websocket.Conn
	key     collab.ResourceKey
	replica *collab.Replica
}

func dialRoom(opts docopt.Opts) (*roomClient, error) {
	keyStr, _ := opts.String("<key>")
	key, err := collab.ParseResourceKey(keyStr)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if t, err := opts.String("--token"); err == nil && t != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
	roomUrl := serverUrl(opts) + collab.RoomPath + url.PathEscape(key.String())
	ws, _, err := websocket.DefaultDialer.Dial(roomUrl, header)
	if err != nil {
		return nil, err
	}
	client := &roomClient{
		ws:      ws,
		key:     key,
		replica: collab.NewReplica(key.Type),
	}
	if err := client.syncInitial(); err != nil {
		ws.Close()
		return nil, err
	}
	return client, nil
}

// a zero timeout waits indefinitely
func (self *roomClient) read(timeout time.Duration) (*collab.Message, error) {
	for {
		if 0 < timeout {
			self.ws.SetReadDeadline(time.Now().Add(timeout))
		} else {
			self.ws.SetReadDeadline(time.Time{})
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 || collab.IsRenameAck(message) {
			continue
		}
		return collab.DecodeMessage(message)
	}
}

// the server sends the full state first, then its state vector
func (self *roomClient) syncInitial() error {
	for {
		message, err := self.read(30 * time.Second)
		if err != nil {
			return err
		}
		switch message.Type {
		case collab.MessageSyncStep2, collab.MessageUpdate:
			for _, part := range message.Parts {
				if _, err := self.replica.Apply(part); err != nil {
					return err
				}
			}
		case collab.MessageSyncStep1:
			update, err := self.replica.EncodeUpdateSince(message.Parts[0])
			if err != nil {
				return err
			}
			return self.send(collab.EncodeMessage(collab.MessageSyncStep2, update))
		}
	}
}

func (self *roomClient) send(message []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *roomClient) appendText(text string) error {
	update, err := self.replica.InsertText(-1, text)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[ctl]update %d bytes\n", len(update))
	return self.sendUpdate(update)
}

func (self *roomClient) Close() {
	self.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	self.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	self.ws.Close()
}

func cat(opts docopt.Opts) error {
	client, err := dialRoom(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	value, _ := client.replica.Materialize()
	content, err := collab.EncodeContent(client.key.Format, value)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(content)
	return err
}

func appendText(opts docopt.Opts) error {
	text, _ := opts.String("<text>")

	client, err := dialRoom(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.appendText(text)
}

// appends stdin line by line
func edit(opts docopt.Opts) error {
	client, err := dialRoom(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		value, _ := client.replica.Materialize()
		if text, ok := value.(string); ok {
			fmt.Print(text)
		}
		fmt.Fprintf(os.Stderr, "\n(appending lines, ctrl-d to end)\n")
	}

	// remote updates keep the local replica current so appends land at the end
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.follow(cancel)

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if 0 < len(line) {
			if appendErr := client.appendText(line); appendErr != nil {
				return appendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.New("Connection closed")
		default:
		}
	}
}

// keeps the local replica current with remote updates until the connection ends
func (self *roomClient) follow(cancel context.CancelFunc) {
	defer cancel()
	for {
		message, err := self.read(0)
		if err != nil {
			return
		}
		if message.Type == collab.MessageUpdate || message.Type == collab.MessageSyncStep2 {
			for _, part := range message.Parts {
				self.replica.Apply(part)
			}
		}
	}
}

func (self *roomClient) sendUpdate(update []byte) error {
	if update == nil {
		return nil
	}
	return self.send(collab.EncodeMessage(collab.MessageUpdate, update))
}

func (self *roomClient) print() {
	value, _ := self.replica.Materialize()
	content, err := collab.EncodeContent(self.key.Format, value)
	if err == nil {
		os.Stdout.Write(content)
		fmt.Println()
	}
}

const shellUsage = `Room shell.

Usage:
    room cat
    room insert <index> <text>
    room delete <index> <length>
    room append <text>
    room quit

Indexes count characters from zero. Quote text with spaces.`

// interactive edits at positions
func shell(opts docopt.Opts) error {
	client, err := dialRoom(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.follow(cancel)

	parser := &docopt.Parser{
		HelpHandler: func(err error, usage string) {
			fmt.Fprintln(os.Stderr, usage)
		},
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s> ", client.key)
		input, readErr := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		// quoted arguments keep their spaces
		args, err := shellwords.Parse(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			continue
		}
		if len(args) == 0 {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			continue
		}

		shellOpts, err := parser.ParseArgs(shellUsage, args, "")
		if err != nil {
			continue
		}

		select {
		case <-ctx.Done():
			return errors.New("Connection closed")
		default:
		}

		var update []byte
		if cat_, _ := shellOpts.Bool("cat"); cat_ {
			client.print()
		} else if insert_, _ := shellOpts.Bool("insert"); insert_ {
			index, indexErr := shellOpts.Int("<index>")
			if indexErr != nil {
				fmt.Fprintf(os.Stderr, "index must be a number\n")
				continue
			}
			text, _ := shellOpts.String("<text>")
			update, err = client.replica.InsertText(index, text)
		} else if delete_, _ := shellOpts.Bool("delete"); delete_ {
			index, indexErr := shellOpts.Int("<index>")
			length, lengthErr := shellOpts.Int("<length>")
			if indexErr != nil || lengthErr != nil {
				fmt.Fprintf(os.Stderr, "index and length must be numbers\n")
				continue
			}
			update, err = client.replica.DeleteText(index, length)
		} else if append_, _ := shellOpts.Bool("append"); append_ {
			text, _ := shellOpts.String("<text>")
			update, err = client.replica.InsertText(-1, text)
		} else if quit_, _ := shellOpts.Bool("quit"); quit_ {
			return nil
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		if sendErr := client.sendUpdate(update); sendErr != nil {
			return sendErr
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

func rooms(opts docopt.Opts) error {
	roomsUrl := strings.Replace(serverUrl(opts), "ws", "http", 1) + collab.RoomsPath
	request, err := http.NewRequest(http.MethodGet, roomsUrl, nil)
	if err != nil {
		return err
	}
	if t, err := opts.String("--token"); err == nil && t != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("Rooms request failed: %s", response.Status)
	}

	var listing struct {
		Rooms []*collab.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		return err
	}
	for _, info := range listing.Rooms {
		fmt.Printf("%s\t%s\tsessions=%d\trecovering=%d\tdirty=%t\n", info.Key, info.State, info.Sessions, info.Recovering, info.Dirty)
	}
	return nil
}

func token(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	sub, _ := opts.String("--sub")
	scope, _ := opts.String("--scope")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return err
	}
	var paths []string
	if pathsAny, ok := opts["--path"].([]string); ok {
		paths = pathsAny
	}
	scopes := []collab.Action{}
	for _, s := range strings.Fields(scope) {
		scopes = append(scopes, collab.Action(s))
	}

	signed, err := collab.NewJwtPermission([]byte(secret)).Sign(sub, scopes, paths, ttl)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

func discover(opts docopt.Opts) error {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return err
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			for _, ip := range entry.AddrIPv4 {
				fmt.Printf("%s\tws://%s:%d\t%s\n", entry.Instance, ip, entry.Port, strings.Join(entry.Text, " "))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := resolver.Browse(ctx, "_collab._tcp", "local.", entries); err != nil {
		return err
	}
	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
