// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Bルート認証情報
type Credential struct {
	RouteBID string
	Password string
}

// ログにはIDの末尾4文字だけを出してパスワードは出さない
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("RouteBID", mask(c.RouteBID, 4)),
		slog.String("Password", mask(c.Password, 0)),
	)
}

func mask(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

// アクティブスキャンで見つかったスマートメーターの情報(EPANDESC)
type PanDescriptor struct {
	Channel     string
	ChannelPage string
	PanID       string
	Addr        string
	LQI         string
	PairID      string
}

// EPANDESCの項目名
const (
	KeyChannel     = "Channel"
	KeyChannelPage = "Channel Page"
	KeyPanID       = "Pan ID"
	KeyAddr        = "Addr"
	KeyLQI         = "LQI"
	KeyPairID      = "PairID"
)

// 6項目全部揃っている時だけPanDescriptorを作る
func NewPanDescriptor(items map[string]string) (PanDescriptor, error) {
	var missing []string
	get := func(key string) string {
		v, ok := items[key]
		if !ok || v == "" {
			missing = append(missing, key)
		}
		return v
	}
	desc := PanDescriptor{
		Channel:     get(KeyChannel),
		ChannelPage: get(KeyChannelPage),
		PanID:       get(KeyPanID),
		Addr:        get(KeyAddr),
		LQI:         get(KeyLQI),
		PairID:      get(KeyPairID),
	}
	if len(missing) > 0 {
		return PanDescriptor{}, fmt.Errorf("%w: missing %s", ErrDescriptorIncomplete, strings.Join(missing, ", "))
	}
	return desc, nil
}

// IPv6リンクローカルアドレス(FE80:0000:0000:0000:XXXX:XXXX:XXXX:XXXX)
type LinkLocalAddress string

var linkLocalAddressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{4}:){7}[0-9A-Fa-f]{4}`)

func ParseLinkLocalAddress(s string) (LinkLocalAddress, error) {
	s = strings.TrimSpace(s)
	if !linkLocalAddressPattern.MatchString(s) || len(s) != 39 {
		return "", fmt.Errorf("%w: bad link local address %q", ErrProtocol, s)
	}
	return LinkLocalAddress(s), nil
}

func (a LinkLocalAddress) String() string {
	return string(a)
}

// PANAセッションを開始するのに必要な情報
// どれも手入力かアクティブスキャンの結果から得たもので, ここで補ったりはしない
type SessionParameters struct {
	Credential       Credential
	PanID            string
	PanChannel       string
	LinkLocalAddress LinkLocalAddress
}

func (p SessionParameters) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"RouteBID", p.Credential.RouteBID},
		{"Password", p.Credential.Password},
		{"PanID", p.PanID},
		{"PanChannel", p.PanChannel},
		{"LinkLocalAddress", string(p.LinkLocalAddress)},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s (run active scan first)", ErrMissingParameter, r.name)
		}
	}
	// SKSREGには16進数で渡す
	if _, err := strconv.ParseUint(p.PanChannel, 16, 8); err != nil {
		return fmt.Errorf("%w: PanChannel %q is not hex", ErrState, p.PanChannel)
	}
	if _, err := strconv.ParseUint(p.PanID, 16, 16); err != nil {
		return fmt.Errorf("%w: PanID %q is not hex", ErrState, p.PanID)
	}
	if _, err := ParseLinkLocalAddress(string(p.LinkLocalAddress)); err != nil {
		return fmt.Errorf("%w: LinkLocalAddress %q", ErrState, p.LinkLocalAddress)
	}
	return nil
}

// アクティブスキャンの結果
type ScanResult struct {
	Descriptor       PanDescriptor
	LinkLocalAddress LinkLocalAddress
}
