package parse

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LinkType tags capture files holding bare frames (DLT_USER0).
const LinkType = layers.LinkType(147)

// LayerTypeElster decodes a frame into a Layer.
var LayerTypeElster = gopacket.RegisterLayerType(1457, gopacket.LayerTypeMetadata{
	Name:    "Elster",
	Decoder: gopacket.DecodeFunc(decodeElster),
})

func init() {
	layers.LinkTypeMetadata[LinkType] = layers.EnumMetadata{
		DecodeWith: LayerTypeElster,
		Name:       "Elster",
		LayerType:  LayerTypeElster,
	}
}

// Layer carries the dissected frame of a packet.
type Layer struct {
	layers.BaseLayer
	Message Message
}

func (l *Layer) LayerType() gopacket.LayerType {
	return LayerTypeElster
}

func (l *Layer) CanDecode() gopacket.LayerClass {
	return LayerTypeElster
}

func (l *Layer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (l *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	l.BaseLayer = layers.BaseLayer{Contents: data}
	l.Message = Dissect(data)
	return nil
}

func decodeElster(data []byte, p gopacket.PacketBuilder) error {
	l := new(Layer)
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	return nil
}
