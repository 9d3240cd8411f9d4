package bamreader

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/hts/sam"
)

// Byte widths of the fixed-size aux value types. Z, H and B are variable
// length and handled separately.
var auxJumps = [256]int{
	'A': 1,
	'c': 1, 'C': 1,
	's': 2, 'S': 2,
	'i': 4, 'I': 4,
	'f': 4,
	'Z': -1,
	'H': -1,
	'B': -1,
}

// parseAux splits the aux block of a serialized record into individual
// sam.Aux fields. The fields are subslices of b, which must therefore be a
// private copy, not the reader's scratch.
func parseAux(b []byte) ([]sam.Aux, error) {
	var aux []sam.Aux
	for i := 0; i+2 < len(b); {
		t := b[i+2]
		switch j := auxJumps[t]; {
		case j > 0:
			j += 3
			if i+j > len(b) {
				return nil, errCorruptAuxField
			}
			aux = append(aux, sam.Aux(b[i:i+j:i+j]))
			i += j
		case j < 0:
			switch t {
			case 'Z', 'H':
				end := i + 3
				for end < len(b) && b[end] != 0 {
					end++
				}
				if end == len(b) {
					return nil, errCorruptAuxField
				}
				// Truncate the terminal NUL.
				aux = append(aux, sam.Aux(b[i:end:end]))
				i = end + 1
			case 'B':
				if i+8 > len(b) {
					return nil, errCorruptAuxField
				}
				length := int(binary.LittleEndian.Uint32(b[i+4 : i+8]))
				j = length*auxJumps[b[i+3]] + 8
				if auxJumps[b[i+3]] <= 0 || i+j > len(b) {
					return nil, errCorruptAuxField
				}
				aux = append(aux, sam.Aux(b[i:i+j:i+j]))
				i += j
			}
		default:
			return nil, fmt.Errorf("bamreader: unrecognized aux field type %q", t)
		}
	}
	return aux, nil
}

var errCorruptAuxField = fmt.Errorf("bamreader: corrupt aux field")

func resolveRef(refs []*sam.Reference, id int32) (*sam.Reference, error) {
	if id == -1 {
		return nil, nil
	}
	if id < 0 || int(id) >= len(refs) {
		return nil, fmt.Errorf("bamreader: reference id %d out of range (%d references)", id, len(refs))
	}
	return refs[id], nil
}

// unmarshalRecord builds a sam.Record from the serialized BAM form in b
// (fixed prefix through aux block, without the length prefix). Every field is
// copied; the result does not alias b.
func unmarshalRecord(b []byte, header *sam.Header) (*sam.Record, error) {
	if len(b) < bamFixedBytes {
		return nil, errRecordTooShort
	}
	refs := header.Refs()
	refID := int32(binary.LittleEndian.Uint32(b[0:4]))
	pos := int32(binary.LittleEndian.Uint32(b[4:8]))
	nameLen := int(b[8])
	mapQ := b[9]
	nCigar := int(binary.LittleEndian.Uint16(b[12:14]))
	flags := sam.Flags(binary.LittleEndian.Uint16(b[14:16]))
	seqLen := int(int32(binary.LittleEndian.Uint32(b[16:20])))
	mateRefID := int32(binary.LittleEndian.Uint32(b[20:24]))
	matePos := int32(binary.LittleEndian.Uint32(b[24:28]))
	tempLen := int32(binary.LittleEndian.Uint32(b[28:32]))

	end := bamFixedBytes + nameLen + nCigar*4 + (seqLen+1)/2 + seqLen
	if nameLen < 1 || seqLen < 0 || end > len(b) {
		return nil, errRecordTooShort
	}
	ref, err := resolveRef(refs, refID)
	if err != nil {
		return nil, err
	}
	mateRef, err := resolveRef(refs, mateRefID)
	if err != nil {
		return nil, err
	}

	off := bamFixedBytes
	name := string(b[off : off+nameLen-1])
	off += nameLen

	cigar := make(sam.Cigar, nCigar)
	for i := range cigar {
		cigar[i] = sam.CigarOp(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
	}

	doublets := make([]sam.Doublet, (seqLen+1)/2)
	for i := range doublets {
		doublets[i] = sam.Doublet(b[off+i])
	}
	off += (seqLen + 1) / 2

	qual := make([]byte, seqLen)
	copy(qual, b[off:off+seqLen])
	off += seqLen

	var aux []sam.Aux
	if off < len(b) {
		auxBuf := make([]byte, len(b)-off)
		copy(auxBuf, b[off:])
		if aux, err = parseAux(auxBuf); err != nil {
			return nil, err
		}
	}

	return &sam.Record{
		Name:      name,
		Ref:       ref,
		Pos:       int(pos),
		MapQ:      mapQ,
		Cigar:     cigar,
		Flags:     flags,
		MateRef:   mateRef,
		MatePos:   int(matePos),
		TempLen:   int(tempLen),
		Seq:       sam.Seq{Length: seqLen, Seq: doublets},
		Qual:      qual,
		AuxFields: aux,
	}, nil
}
