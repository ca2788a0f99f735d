package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies the headers of a delivered message. The result is
// never nil.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	return out
}

// ToWatermill copies md into the header map of an outgoing message.
func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	maps.Copy(out, md)
	return out
}
