package dispatch

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SASL mechanisms accepted in KafkaSASL.Mechanism.
const (
	SASLPlain       = "PLAIN"
	SASLScramSHA256 = "SCRAM-SHA-256"
	SASLScramSHA512 = "SCRAM-SHA-512"
)

var (
	scramSHA256 scram.HashGeneratorFcn = sha256.New
	scramSHA512 scram.HashGeneratorFcn = sha512.New
)

// KafkaSASL holds SASL credentials for the Kafka broker. An empty
// Mechanism disables SASL.
type KafkaSASL struct {
	Mechanism string
	Username  string
	Password  string
}

// scramClient implements sarama.SCRAMClient on xdg-go/scram.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.Client = client
	c.ClientConversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}

func applySASL(config *sarama.Config, sasl KafkaSASL) error {
	if sasl.Mechanism == "" {
		return nil
	}
	config.Net.SASL.Enable = true
	config.Net.SASL.User = sasl.Username
	config.Net.SASL.Password = sasl.Password
	switch sasl.Mechanism {
	case SASLPlain:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case SASLScramSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: scramSHA256}
		}
	case SASLScramSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: scramSHA512}
		}
	default:
		return fmt.Errorf("unsupported SASL mechanism %q", sasl.Mechanism)
	}
	return nil
}
