package alerting

import (
	"context"
	"strings"

	"github.com/slack-go/slack"

	xerrors "plumcp/internal/errors"
)

// SlackConfig 描述 Slack 机器人配置。
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// SlackAPISender 使用 Slack Web API 发送消息。
type SlackAPISender struct {
	client *slack.Client
}

// NewSlackAPISender 创建基于机器人令牌的发送器。
func NewSlackAPISender(token string, opts ...slack.Option) (*SlackAPISender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "Slack token 不能为空")
	}
	return &SlackAPISender{client: slack.New(token, opts...)}, nil
}

// Send 实现 SlackSender。
func (s *SlackAPISender) Send(ctx context.Context, channel, content string) error {
	if _, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(content, false)); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "发送 Slack 消息失败")
	}
	return nil
}

// NewSlackNotifier 按配置创建 Slack 通知器；未配置令牌时返回 nil。
func NewSlackNotifier(cfg SlackConfig, opts ...slack.Option) (*SlackNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "Slack channel 不能为空")
	}
	sender, err := NewSlackAPISender(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}
	return &SlackNotifier{Sender: sender, ChannelID: cfg.Channel}, nil
}
