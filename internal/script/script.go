// Package script classifies output scripts and extracts PIVX addresses.
//
// Standard classes (P2PKH, P2SH, P2PK) follow the usual Bitcoin templates;
// cold-staking and zerocoin use PIVX-only opcodes that btcd's txscript does
// not know, so those are matched byte-wise.
package script

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/txscript"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
)

// PIVX script opcodes absent from btcd's tables.
const (
	opZerocoinMint        = 0xc1
	opZerocoinSpend       = 0xc2
	opZerocoinPublicSpend = 0xc3

	opCheckColdStakeVerifyLOF = 0xd1
	opCheckColdStakeVerify    = 0xd2
)

const hash160Len = 20

// Class is the recognized script shape of an output.
type Class string

const (
	ClassP2PKH       Class = "p2pkh"
	ClassP2SH        Class = "p2sh"
	ClassP2PK        Class = "p2pk"
	ClassColdStake   Class = "coldstake"
	ClassZerocoin    Class = "zerocoin"
	ClassEmpty       Class = "empty"
	ClassNonstandard Class = "nonstandard"
)

// Decoded is the result of classifying one output script. For cold-staking
// outputs both parties are reported and Owner names the address credited
// for spendability.
type Decoded struct {
	Class     Class
	Addresses []string
	Owner     string
	Staker    string
}

// Decode classifies script and extracts addresses. It never fails; scripts
// that match no template come back ClassNonstandard with no addresses.
//
// The fixed-shape templates are checked before the coldstake byte scan: a
// P2PKH/P2SH hash160 payload may contain the coldstake opcodes by chance,
// so the scan only runs once the exact templates have been ruled out.
func Decode(script []byte) Decoded {
	switch {
	case len(script) == 0:
		return Decoded{Class: ClassEmpty}

	case isZerocoin(script):
		return Decoded{Class: ClassZerocoin}

	case isP2PKH(script):
		addr := encodeHash(script[3:23], chain.PubKeyHashPrefix)
		return Decoded{Class: ClassP2PKH, Addresses: []string{addr}, Owner: addr}

	case isP2SH(script):
		addr := encodeHash(script[2:22], chain.ScriptHashPrefix)
		return Decoded{Class: ClassP2SH, Addresses: []string{addr}, Owner: addr}

	case isP2PK(script) && !isColdStake(script):
		if addr, ok := decodeP2PK(script); ok {
			return Decoded{Class: ClassP2PK, Addresses: []string{addr}, Owner: addr}
		}
		return Decoded{Class: ClassNonstandard}

	case isColdStake(script):
		return decodeColdStake(script)

	default:
		return Decoded{Class: ClassNonstandard}
	}
}

func isZerocoin(script []byte) bool {
	switch script[0] {
	case opZerocoinMint, opZerocoinSpend, opZerocoinPublicSpend:
		return true
	}
	return false
}

func isP2PKH(script []byte) bool {
	return len(script) == 25 &&
		script[0] == txscript.OP_DUP &&
		script[1] == txscript.OP_HASH160 &&
		script[2] == hash160Len &&
		script[23] == txscript.OP_EQUALVERIFY &&
		script[24] == txscript.OP_CHECKSIG
}

func isP2SH(script []byte) bool {
	return len(script) == 23 &&
		script[0] == txscript.OP_HASH160 &&
		script[1] == hash160Len &&
		script[22] == txscript.OP_EQUAL
}

func isP2PK(script []byte) bool {
	// push of 33- or 65-byte key followed by OP_CHECKSIG
	return (len(script) == 35 || len(script) == 67) &&
		script[len(script)-1] == txscript.OP_CHECKSIG &&
		int(script[0]) == len(script)-2
}

func decodeP2PK(script []byte) (string, bool) {
	pubKey := script[1 : len(script)-1]
	addr := encodeHash(btcutil.Hash160(pubKey), chain.PubKeyHashPrefix)
	return addr, true
}

func isColdStake(script []byte) bool {
	for _, b := range script {
		if b == opCheckColdStakeVerify || b == opCheckColdStakeVerifyLOF {
			return true
		}
	}
	return false
}

// decodeColdStake extracts both parties of a cold-staking script:
//
//	OP_DUP OP_HASH160 OP_ROT OP_IF OP_CHECKCOLDSTAKEVERIFY <stakerHash>
//	OP_ELSE <ownerHash> OP_ENDIF OP_EQUALVERIFY OP_CHECKSIG
//
// The staker hash follows the coldstake opcode, the owner hash follows
// OP_ELSE. The owner is the party credited for spendability.
func decodeColdStake(script []byte) Decoded {
	stakePos := -1
	for i, b := range script {
		if b == opCheckColdStakeVerify || b == opCheckColdStakeVerifyLOF {
			stakePos = i
			break
		}
	}
	if stakePos < 0 || len(script) < stakePos+2+hash160Len {
		return Decoded{Class: ClassNonstandard}
	}
	// skip the push opcode after the verify
	stakerHash := script[stakePos+2 : stakePos+2+hash160Len]

	elsePos := -1
	for i := stakePos; i < len(script); i++ {
		if script[i] == txscript.OP_ELSE {
			elsePos = i
			break
		}
	}
	if elsePos < 0 || len(script) < elsePos+2+hash160Len {
		return Decoded{Class: ClassNonstandard}
	}
	ownerHash := script[elsePos+2 : elsePos+2+hash160Len]

	staker := encodeHash(stakerHash, chain.StakingKeyPrefix)
	owner := encodeHash(ownerHash, chain.PubKeyHashPrefix)
	return Decoded{
		Class:     ClassColdStake,
		Addresses: []string{staker, owner},
		Owner:     owner,
		Staker:    staker,
	}
}

func encodeHash(hash160 []byte, prefix byte) string {
	return base58.CheckEncode(hash160, prefix)
}
