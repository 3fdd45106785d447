package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/nkkko/msgselect/pkg/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of a seed file
type seedFile struct {
	Messages []seedMessage `yaml:"messages"`
}

type seedMessage struct {
	proto.Message `yaml:",inline"`
	Date          *time.Time `yaml:"date"`
}

// LoadSeedFile reads the initial queue content from a YAML file. Messages
// without an ID get a generated one, messages without a date are stamped
// with the load time.
func LoadSeedFile(path string) ([]*proto.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("error parsing seed file: %w", err)
	}

	now := timestamppb.Now()
	messages := make([]*proto.Message, 0, len(seed.Messages))
	for i := range seed.Messages {
		m := seed.Messages[i].Message
		if m.Id == "" {
			m.Id = proto.NewMessageID()
		}
		if seed.Messages[i].Date != nil {
			m.Date = timestamppb.New(*seed.Messages[i].Date)
		} else {
			m.Date = now
		}
		messages = append(messages, &m)
	}
	return messages, nil
}
