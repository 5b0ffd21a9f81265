package accounts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

var requiredLineTokens = []string{"username", "password", "email", "email_password"}

// LineFormat describes one account per line, e.g.
// "username:password:email:email_password" or "username|_|password|email|email_password".
// The delimiter is the character next to "username"; "_" columns are ignored.
type LineFormat struct {
	Delimiter string
	Tokens    []string
}

func ParseLineFormat(format string) (LineFormat, error) {
	delim, err := guessDelimiter(format)
	if err != nil {
		return LineFormat{}, err
	}

	tokens := strings.Split(format, delim)
	present := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		present[strings.TrimSpace(token)] = struct{}{}
	}
	for _, required := range requiredLineTokens {
		if _, ok := present[required]; !ok {
			return LineFormat{}, fmt.Errorf("%w: %s", ErrInvalidLineFormat, format)
		}
	}

	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	return LineFormat{Delimiter: delim, Tokens: tokens}, nil
}

func guessDelimiter(format string) (string, error) {
	left, right, found := strings.Cut(format, "username")
	if !found {
		return "", fmt.Errorf("%w: %s", ErrInvalidLineFormat, format)
	}
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if left != "" {
		return left[len(left)-1:], nil
	}
	if right != "" {
		return right[:1], nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidLineFormat, format)
}

// Parse maps one line onto an account. Extra trailing columns are ignored.
func (f LineFormat) Parse(line string) (NewAccount, error) {
	parts := strings.Split(line, f.Delimiter)
	if len(parts) < len(f.Tokens) {
		return NewAccount{}, fmt.Errorf("%w: expected %d columns, got %d", ErrInvalidLineFormat, len(f.Tokens), len(parts))
	}

	var account NewAccount
	for i, token := range f.Tokens {
		value := strings.TrimSpace(parts[i])
		switch token {
		case "username":
			account.Username = value
		case "password":
			account.Password = value
		case "email":
			account.Email = value
		case "email_password":
			account.EmailPassword = value
		case "user_agent":
			account.UserAgent = value
		case "proxy":
			account.Proxy = value
		case "cookies":
			account.Cookies = value
		case "mfa_code":
			account.MFACode = value
		}
	}
	return account, nil
}

// LoadFromFile parses every line before adding any account, so a malformed
// file adds nothing. It returns the number of lines parsed.
func (p *Pool) LoadFromFile(ctx context.Context, path, lineFormat string) (int, error) {
	format, err := ParseLineFormat(lineFormat)
	if err != nil {
		return 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open accounts file: %w", err)
	}
	defer file.Close()

	var parsed []NewAccount
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		account, err := format.Parse(line)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", lineNo, err)
		}
		parsed = append(parsed, account)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read accounts file: %w", err)
	}

	for _, account := range parsed {
		if err := p.Add(ctx, account); err != nil {
			return 0, err
		}
	}
	return len(parsed), nil
}
