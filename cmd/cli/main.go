package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"segmem/pkg/client"
	"segmem/pkg/common"
)

const Prompt = "segmem> "

func main() {
	serverAddr := flag.String("addr", "localhost:9090", "segmem TCP Server Address")
	flag.Parse()

	fmt.Printf("segmem CLI (Target: %s)\n", *serverAddr)
	fmt.Println("Connecting...")

	cli, err := client.Dial(*serverAddr)
	if err != nil {
		fmt.Printf("Connection failed: %v\n", err)
		fmt.Println("Tip: Ensure the server is running (e.g. go run cmd/server/main.go).")
		return
	}
	defer cli.Close()
	fmt.Println("Connected! Type 'help' for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(Prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		start := time.Now()
		out, err := execute(cli, cmd, parts[1:])
		duration := time.Since(start)

		switch {
		case err == errQuit:
			fmt.Println("Bye!")
			return
		case err == errHelp:
			printHelp()
		case err != nil:
			fmt.Printf("Error: %v\n", err)
		default:
			fmt.Printf("%s (%v)\n", out, duration)
		}
	}
}

type usageError string

func (u usageError) Error() string { return "usage: " + string(u) }

var (
	errQuit = errors.New("quit")
	errHelp = errors.New("help")
)

func execute(cli *client.Client, cmd string, args []string) (string, error) {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return "", usageError("create <size>")
		}
		size, err := parseU32(args[0])
		if err != nil {
			return "", err
		}
		id, err := cli.CreateSegment(size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("segment %d", id), nil

	case "destroy", "rm":
		id, err := segmentArg(args, 0, "destroy <segment>")
		if err != nil {
			return "", err
		}
		if _, err := cli.Release(id); err != nil {
			return "", err
		}
		if err := cli.DestroySegment(id); err != nil {
			cli.Acquire(id)
			return "", err
		}
		return "Destroyed", nil

	case "acquire", "release":
		id, err := segmentArg(args, 0, cmd+" <segment>")
		if err != nil {
			return "", err
		}
		var refs uint32
		if cmd == "acquire" {
			refs, err = cli.Acquire(id)
		} else {
			refs, err = cli.Release(id)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ref count %d", refs), nil

	case "translate", "tr":
		id, off, err := addressArgs(args, "translate <segment> <offset>")
		if err != nil {
			return "", err
		}
		pa, err := cli.Translate(id, off)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s -> %d", common.LogicalAddress{Segment: id, Offset: off}, pa), nil

	case "read", "get":
		id, off, err := addressArgs(args, "read <segment> <offset> [n]")
		if err != nil {
			return "", err
		}
		n := uint32(1)
		if len(args) > 2 {
			if n, err = parseU32(args[2]); err != nil {
				return "", err
			}
		}
		data, err := cli.Read(id, off, n)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%q % x", data, data), nil

	case "write", "put":
		id, off, err := addressArgs(args, "write <segment> <offset> <text>")
		if err != nil {
			return "", err
		}
		if len(args) < 3 {
			return "", usageError("write <segment> <offset> <text>")
		}
		data := []byte(strings.Join(args[2:], " "))
		if err := cli.Write(id, off, data); err != nil {
			return "", err
		}
		return fmt.Sprintf("OK, %d bytes", len(data)), nil

	case "attach":
		if len(args) < 2 {
			return "", usageError("attach <key> <size>")
		}
		key, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("key must be an integer")
		}
		size, err := parseU32(args[1])
		if err != nil {
			return "", err
		}
		id, err := cli.Attach(common.SharedKey(key), size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("key %d -> segment %d", key, id), nil

	case "detach", "lookup":
		if len(args) < 1 {
			return "", usageError(cmd + " <key>")
		}
		key, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("key must be an integer")
		}
		if cmd == "detach" {
			return "Detached", cli.Detach(common.SharedKey(key))
		}
		id, err := cli.Lookup(common.SharedKey(key))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("key %d -> segment %d", key, id), nil

	case "help":
		return "", errHelp
	case "exit", "quit":
		return "", errQuit
	}
	return "", fmt.Errorf("unknown command '%s', type 'help'", cmd)
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not an unsigned 32-bit integer", s)
	}
	return uint32(v), nil
}

func segmentArg(args []string, i int, usage string) (common.SegmentID, error) {
	if len(args) <= i {
		return common.NoSegment, usageError(usage)
	}
	v, err := parseU32(args[i])
	return common.SegmentID(v), err
}

func addressArgs(args []string, usage string) (common.SegmentID, uint32, error) {
	if len(args) < 2 {
		return common.NoSegment, 0, usageError(usage)
	}
	id, err := segmentArg(args, 0, usage)
	if err != nil {
		return common.NoSegment, 0, err
	}
	off, err := parseU32(args[1])
	return id, off, err
}

func printHelp() {
	fmt.Println(`
Commands:
  create <size>                 Create a private segment
  destroy <segment>             Drop the creator's reference and destroy
  acquire|release <segment>     Adjust the reference count
  translate <segment> <offset>  Logical to physical address
  read <segment> <offset> [n]   Read n bytes (default 1)
  write <segment> <off> <text>  Write text bytes
  attach <key> <size>           Create or join a shared segment
  detach <key>                  Leave a shared segment
  lookup <key>                  Show the segment bound to a key
  exit                          Exit CLI
	`)
}
