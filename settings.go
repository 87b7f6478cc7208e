// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ak1211/smartmeter-route-b/skstack"
)

// ペアリング結果
type Settings struct {
	RouteBId         string `json:"RouteBId"`
	RouteBPassword   string `json:"RouteBPassword"`
	Channel          string `json:"Channel"`
	PanId            string `json:"PanId"`
	MacAddress       string `json:"MacAddress"`
	LinkLocalAddress string `json:"LinkLocalAddress"`
}

func NewSettings(credential skstack.Credential, result skstack.ScanResult) Settings {
	return Settings{
		RouteBId:         credential.RouteBID,
		RouteBPassword:   credential.Password,
		Channel:          result.Descriptor.Channel,
		PanId:            result.Descriptor.PanID,
		MacAddress:       result.Descriptor.Addr,
		LinkLocalAddress: result.LinkLocalAddress.String(),
	}
}

func (s Settings) SessionParameters() skstack.SessionParameters {
	return skstack.SessionParameters{
		Credential: skstack.Credential{
			RouteBID: s.RouteBId,
			Password: s.RouteBPassword,
		},
		PanID:            s.PanId,
		PanChannel:       s.Channel,
		LinkLocalAddress: skstack.LinkLocalAddress(s.LinkLocalAddress),
	}
}

func SaveSettings(fileName string, settings Settings) error {
	jsonbytes, err := json.MarshalIndent(settings, "", strings.Repeat(" ", 2))
	if err != nil {
		return err
	}
	// パスワードが入っているので本人だけ読めるようにする
	return os.WriteFile(fileName, jsonbytes, 0600)
}

func LoadSettings(fileName string) (Settings, error) {
	jsonbytes, err := os.ReadFile(fileName)
	if err != nil {
		return Settings{}, err
	}
	settings := Settings{}
	if err := json.Unmarshal(jsonbytes, &settings); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", fileName, err)
	}
	return settings, nil
}
