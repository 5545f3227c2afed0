package shard

const (
	// ChannelInbound carries entity refs from connection shards to the cell
	// that should process them.
	ChannelInbound = "internal/cell-processing-inbound"
	// ChannelTransition carries full entity state between neighbouring cells.
	ChannelTransition = "internal/cell-transition"
	// ChannelReturnPrefix + swid tells a connection shard which cell now owns
	// each of its entities.
	ChannelReturnPrefix = "internal/input-cell-transition/"
	// ChannelCellData is the client-facing per-cell channel.
	ChannelCellData = "cell-data"

	// InternalPrefix marks channels clients may never subscribe to.
	InternalPrefix = "internal/"
	// ExternalPrefix marks the only channels clients may publish to.
	ExternalPrefix = "external/"
)

func ReturnChannel(swid string) string { return ChannelReturnPrefix + swid }
