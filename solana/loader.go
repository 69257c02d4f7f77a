package solana

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// UpgradeableLoaderID is the BPF upgradeable loader, owner of every
// program, program-data and staging-buffer account this tool touches.
var UpgradeableLoaderID = MustPubkey("BPFLoaderUpgradeab1e11111111111111111111111")

// Account layout sizes. A buffer account holds a 4-byte state tag, an
// option byte and the 32-byte authority before the program bytes; a
// program-data account additionally carries the deployment slot.
const (
	BufferMetadataLen      = 4 + 1 + 32
	ProgramDataMetadataLen = 4 + 8 + 1 + 32
	ProgramAccountLen      = 4 + 32
)

// Upgradeable loader instruction tags (bincode u32 of the enum variant).
const (
	loaderInitializeBuffer     = 0
	loaderWrite                = 1
	loaderDeployWithMaxDataLen = 2
	loaderUpgrade              = 3
	loaderSetAuthority         = 4
	loaderClose                = 5
)

var ErrInvalidLoaderState = errors.New("invalid loader account state")

// BufferAccountLen returns the on-chain size of a buffer account that can
// hold programLen bytes of program data.
func BufferAccountLen(programLen int) uint64 {
	return uint64(BufferMetadataLen + programLen)
}

// ProgramDataAccountLen returns the on-chain size of a program-data
// account with room for maxDataLen bytes of program data.
func ProgramDataAccountLen(maxDataLen uint64) uint64 {
	return ProgramDataMetadataLen + maxDataLen
}

// ProgramDataAddress derives the program-data account address for a
// program: the canonical PDA of the program id under the loader.
func ProgramDataAddress(program Pubkey) (Pubkey, error) {
	pda, _, err := FindProgramAddress([][]byte{program[:]}, UpgradeableLoaderID)
	if err != nil {
		return Pubkey{}, fmt.Errorf("derive program data address for %s: %w", program, err)
	}
	return pda, nil
}

func loaderTag(tag uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, tag)
	return out
}

// LoaderInitializeBuffer marks a freshly created buffer account as
// initialized and sets its write authority.
func LoaderInitializeBuffer(buffer, authority Pubkey) Instruction {
	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: buffer, IsSigner: false, IsWritable: true},
			{Pubkey: authority, IsSigner: false, IsWritable: false},
		},
		Data: loaderTag(loaderInitializeBuffer),
	}
}

// LoaderWrite writes chunk into the buffer at offset. The buffer's write
// authority must sign.
func LoaderWrite(buffer, authority Pubkey, offset uint32, chunk []byte) Instruction {
	data := make([]byte, 0, 4+4+8+len(chunk))
	data = append(data, loaderTag(loaderWrite)...)
	var u32buf [4]byte
	binary.LittleEndian.PutUint32(u32buf[:], offset)
	data = append(data, u32buf[:]...)
	var u64buf [8]byte
	binary.LittleEndian.PutUint64(u64buf[:], uint64(len(chunk)))
	data = append(data, u64buf[:]...)
	data = append(data, chunk...)

	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: buffer, IsSigner: false, IsWritable: true},
			{Pubkey: authority, IsSigner: true, IsWritable: false},
		},
		Data: data,
	}
}

// LoaderDeployWithMaxDataLen turns a verified buffer into a live program.
// The payer funds the program-data account, the program account and the
// buffer authority (which becomes the upgrade authority) must sign.
func LoaderDeployWithMaxDataLen(payer, programData, program, buffer, authority Pubkey, maxDataLen uint64) Instruction {
	data := make([]byte, 0, 4+8)
	data = append(data, loaderTag(loaderDeployWithMaxDataLen)...)
	var u64buf [8]byte
	binary.LittleEndian.PutUint64(u64buf[:], maxDataLen)
	data = append(data, u64buf[:]...)

	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: programData, IsSigner: false, IsWritable: true},
			{Pubkey: program, IsSigner: true, IsWritable: true},
			{Pubkey: buffer, IsSigner: false, IsWritable: true},
			{Pubkey: SysvarRentID, IsSigner: false, IsWritable: false},
			{Pubkey: SysvarClockID, IsSigner: false, IsWritable: false},
			{Pubkey: SystemProgramID, IsSigner: false, IsWritable: false},
			{Pubkey: authority, IsSigner: true, IsWritable: false},
		},
		Data: data,
	}
}

// LoaderUpgrade replaces a program's code with the contents of a verified
// buffer. The buffer's authority must equal the program's upgrade
// authority, which signs; leftover buffer rent is drained to spill.
func LoaderUpgrade(programData, program, buffer, spill, authority Pubkey) Instruction {
	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: programData, IsSigner: false, IsWritable: true},
			{Pubkey: program, IsSigner: false, IsWritable: true},
			{Pubkey: buffer, IsSigner: false, IsWritable: true},
			{Pubkey: spill, IsSigner: false, IsWritable: true},
			{Pubkey: SysvarRentID, IsSigner: false, IsWritable: false},
			{Pubkey: SysvarClockID, IsSigner: false, IsWritable: false},
			{Pubkey: authority, IsSigner: true, IsWritable: false},
		},
		Data: loaderTag(loaderUpgrade),
	}
}

// LoaderSetAuthority changes the authority of a buffer or program-data
// account. The current authority signs.
func LoaderSetAuthority(account, current, next Pubkey) Instruction {
	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: account, IsSigner: false, IsWritable: true},
			{Pubkey: current, IsSigner: true, IsWritable: false},
			{Pubkey: next, IsSigner: false, IsWritable: false},
		},
		Data: loaderTag(loaderSetAuthority),
	}
}

// LoaderClose drains a buffer account's lamports to recipient and
// deallocates it. Used to reclaim rent from abandoned staging buffers.
func LoaderClose(account, recipient, authority Pubkey) Instruction {
	return Instruction{
		ProgramID: UpgradeableLoaderID,
		Accounts: []AccountMeta{
			{Pubkey: account, IsSigner: false, IsWritable: true},
			{Pubkey: recipient, IsSigner: false, IsWritable: true},
			{Pubkey: authority, IsSigner: true, IsWritable: false},
		},
		Data: loaderTag(loaderClose),
	}
}

// BufferState is the decoded form of an initialized buffer account.
type BufferState struct {
	Authority *Pubkey
	Data      []byte
}

// ProgramState is the decoded form of a program account.
type ProgramState struct {
	ProgramData Pubkey
}

// ProgramDataState is the decoded form of a program-data account.
type ProgramDataState struct {
	Slot             uint64
	UpgradeAuthority *Pubkey
	Data             []byte
}

func ParseBufferAccount(raw []byte) (BufferState, error) {
	if len(raw) < BufferMetadataLen {
		return BufferState{}, fmt.Errorf("%w: buffer account too short (%d bytes)", ErrInvalidLoaderState, len(raw))
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != 1 {
		return BufferState{}, fmt.Errorf("%w: not a buffer account", ErrInvalidLoaderState)
	}
	out := BufferState{Data: raw[BufferMetadataLen:]}
	if raw[4] == 1 {
		var pk Pubkey
		copy(pk[:], raw[5:37])
		out.Authority = &pk
	}
	return out, nil
}

func ParseProgramAccount(raw []byte) (ProgramState, error) {
	if len(raw) < ProgramAccountLen {
		return ProgramState{}, fmt.Errorf("%w: program account too short (%d bytes)", ErrInvalidLoaderState, len(raw))
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != 2 {
		return ProgramState{}, fmt.Errorf("%w: not a program account", ErrInvalidLoaderState)
	}
	var out ProgramState
	copy(out.ProgramData[:], raw[4:36])
	return out, nil
}

func ParseProgramDataAccount(raw []byte) (ProgramDataState, error) {
	if len(raw) < ProgramDataMetadataLen {
		return ProgramDataState{}, fmt.Errorf("%w: program data account too short (%d bytes)", ErrInvalidLoaderState, len(raw))
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != 3 {
		return ProgramDataState{}, fmt.Errorf("%w: not a program data account", ErrInvalidLoaderState)
	}
	out := ProgramDataState{
		Slot: binary.LittleEndian.Uint64(raw[4:12]),
		Data: raw[ProgramDataMetadataLen:],
	}
	if raw[12] == 1 {
		var pk Pubkey
		copy(pk[:], raw[13:45])
		out.UpgradeAuthority = &pk
	}
	return out, nil
}
