package solana

import (
	"encoding/binary"
)

var (
	SystemProgramID = MustPubkey("11111111111111111111111111111111")
	SysvarRentID    = MustPubkey("SysvarRent111111111111111111111111111111111")
	SysvarClockID   = MustPubkey("SysvarC1ock11111111111111111111111111111111")
)

// SystemCreateAccount funds a brand-new account with lamports, allocates
// space bytes and assigns it to owner. Both from and the new account must
// sign.
func SystemCreateAccount(from, newAccount Pubkey, lamports, space uint64, owner Pubkey) Instruction {
	data := make([]byte, 0, 4+8+8+32)
	var tag [4]byte // instruction index 0
	data = append(data, tag[:]...)
	var u64buf [8]byte
	binary.LittleEndian.PutUint64(u64buf[:], lamports)
	data = append(data, u64buf[:]...)
	binary.LittleEndian.PutUint64(u64buf[:], space)
	data = append(data, u64buf[:]...)
	data = append(data, owner[:]...)

	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: newAccount, IsSigner: true, IsWritable: true},
		},
		Data: data,
	}
}

// SystemTransfer moves lamports from one account to another.
func SystemTransfer(from, to Pubkey, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsSigner: false, IsWritable: true},
		},
		Data: data,
	}
}
