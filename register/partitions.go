package register

import "fmt"

// PartitionArea is the kind of a hardware partition.
type PartitionArea int

// Partition areas.
const (
	AreaBoot PartitionArea = iota
	AreaGP
	AreaRPMB
)

func (a PartitionArea) String() string {
	switch a {
	case AreaBoot:
		return "boot"
	case AreaGP:
		return "general purpose"
	case AreaRPMB:
		return "rpmb"
	default:
		return fmt.Sprintf("area(%d)", int(a))
	}
}

// A Partition is a hardware partition reachable through PART_CONFIG.
type Partition struct {
	Name string
	// PartCfg is the PART_CONFIG access value that selects the partition.
	PartCfg  uint8
	Size     uint64
	ReadOnly bool
	Area     PartitionArea
}

const numGPPartitions = 4

func bootPartitions(mult uint8) []Partition {
	parts := make([]Partition, 0, 2)
	for idx := 0; idx < 2; idx++ {
		parts = append(parts, Partition{
			Name:     fmt.Sprintf("boot%d", idx),
			PartCfg:  uint8(PartConfigAccessBoot0 + idx),
			Size:     uint64(mult) << 17,
			ReadOnly: true,
			Area:     AreaBoot,
		})
	}
	return parts
}
