package host

import "time"

// Card command opcodes.
const (
	CmdGoIdleState          uint32 = 0
	CmdSendOpCond           uint32 = 1
	CmdAllSendCID           uint32 = 2
	CmdSetRelativeAddr      uint32 = 3
	CmdSetDSR               uint32 = 4
	CmdSleepAwake           uint32 = 5
	CmdSwitch               uint32 = 6
	CmdSelectCard           uint32 = 7
	CmdSendExtCSD           uint32 = 8
	CmdSendCSD              uint32 = 9
	CmdSendCID              uint32 = 10
	CmdStopTransmission     uint32 = 12
	CmdSendStatus           uint32 = 13
	CmdBusTestR             uint32 = 14
	CmdSetBlockLen          uint32 = 16
	CmdBusTestW             uint32 = 19
	CmdSendTuningBlockHS200 uint32 = 21
	CmdSPIReadOCR           uint32 = 58
	CmdSPICRCOnOff          uint32 = 59
)

// ResponseType is the expected response format of a command.
type ResponseType int

// Response types.
const (
	RespNone ResponseType = iota
	RespR1
	RespR1B
	RespR2
	RespR3
)

// Command is a single card command.
type Command struct {
	Opcode   uint32
	Arg      uint32
	RespType ResponseType
	// BusyTimeout bounds the busy signal of an R1B command.
	BusyTimeout time.Duration
	// Retries is how many times the controller may reissue the command on a CRC failure.
	Retries int
	// IgnoreCRC accepts a response whose CRC check failed.
	IgnoreCRC bool
}

// Response is the raw response. Short responses use word 0; R2 uses all four with word 0 most
// significant.
type Response [4]uint32

// DataDirection is the direction of a data phase.
type DataDirection int

// Data directions.
const (
	DataRead DataDirection = iota
	DataWrite
)

// Data describes a command's data phase.
type Data struct {
	Buf       []byte
	Direction DataDirection
	BlockSize int
	Blocks    int
}

// R1 card status bits.
const (
	R1OutOfRange       uint32 = 1 << 31
	R1AddressError     uint32 = 1 << 30
	R1BlockLenError    uint32 = 1 << 29
	R1EraseSeqError    uint32 = 1 << 28
	R1EraseParam       uint32 = 1 << 27
	R1WPViolation      uint32 = 1 << 26
	R1CardIsLocked     uint32 = 1 << 25
	R1LockUnlockFailed uint32 = 1 << 24
	R1ComCRCError      uint32 = 1 << 23
	R1IllegalCommand   uint32 = 1 << 22
	R1CardECCFailed    uint32 = 1 << 21
	R1CCError          uint32 = 1 << 20
	R1Error            uint32 = 1 << 19
	R1ReadyForData     uint32 = 1 << 8
	R1SwitchError      uint32 = 1 << 7
	R1ExceptionEvent   uint32 = 1 << 6
	R1AppCmd           uint32 = 1 << 5

	// R1ErrorMask covers the bits that report a failure of the previous command.
	R1ErrorMask = R1OutOfRange | R1AddressError | R1BlockLenError | R1EraseSeqError |
		R1EraseParam | R1WPViolation | R1LockUnlockFailed | R1ComCRCError |
		R1IllegalCommand | R1CardECCFailed | R1CCError | R1Error
)

// CardState is the state field of an R1 status.
type CardState uint32

// Card states as reported in R1.
const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgramming
	StateDisconnect
	StateBusTest
	StateSleep
)

// StatusState extracts the current state from an R1 status word.
func StatusState(status uint32) CardState {
	return CardState((status >> 9) & 0xF)
}

// StatusWithState returns status with its state field replaced.
func StatusWithState(status uint32, state CardState) uint32 {
	return status&^(0xF<<9) | uint32(state)<<9
}
