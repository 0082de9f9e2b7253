// Package main provides ykn-cli, an interactive text-protocol client.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	flags := flag.NewFlagSet("ykn-cli", flag.ContinueOnError)
	address := flags.StringP("address", "a", "127.0.0.1", "Server address")
	port := flags.IntP("port", "p", 7000, "Server port")
	auth := flags.String("auth", "", "Password to send before the first command")

	err := flags.Parse(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	target := net.JoinHostPort(*address, strconv.Itoa(*port))

	conn, err := net.Dial("tcp", target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)

	_, err = conn.Write([]byte("TXT\r\n"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	reply, err := readReply(br)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	fmt.Println(reply)

	if *auth != "" {
		reply, err = roundTrip(conn, br, "AUTH "+*auth)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		fmt.Println(reply)
	}

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	prompt := target + "> "

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return 0
			}

			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.EqualFold(input, "quit") || strings.EqualFold(input, "exit") {
			return 0
		}

		line.AppendHistory(input)

		reply, err := roundTrip(conn, br, input)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		fmt.Println(reply)
	}
}

func roundTrip(conn net.Conn, br *bufio.Reader, command string) (string, error) {
	_, err := conn.Write([]byte(command + "\r\n"))
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	return readReply(br)
}

// readReply consumes one typed reply and renders it for humans.
func readReply(br *bufio.Reader) (string, error) {
	kind, err := br.ReadByte()
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	switch kind {
	case '+', '-', ':':
		line, err := readLine(br)
		if err != nil {
			return "", err
		}

		switch kind {
		case '-':
			return "(error) " + line, nil
		case ':':
			return "(integer) " + line, nil
		}

		return line, nil

	case '$':
		line, err := readLine(br)
		if err != nil {
			return "", err
		}

		n, err := strconv.Atoi(line)
		if err != nil {
			return "", fmt.Errorf("bad bulk length %q", line)
		}

		if n < 0 {
			return "(nil)", nil
		}

		payload := make([]byte, n+2)

		_, err = io.ReadFull(br, payload)
		if err != nil {
			return "", fmt.Errorf("read bulk: %w", err)
		}

		return string(payload[:n]), nil

	case '*':
		line, err := readLine(br)
		if err != nil {
			return "", err
		}

		n, err := strconv.Atoi(line)
		if err != nil {
			return "", fmt.Errorf("bad array length %q", line)
		}

		var sb strings.Builder

		for i := 0; i < n; i++ {
			elem, err := readReply(br)
			if err != nil {
				return "", err
			}

			fmt.Fprintf(&sb, "%d) %s", i+1, elem)

			if i < n-1 {
				sb.WriteByte('\n')
			}
		}

		if n == 0 {
			return "(empty array)", nil
		}

		return sb.String(), nil
	}

	return "", fmt.Errorf("bad reply type %q", kind)
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read line: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}
