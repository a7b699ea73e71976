package acl

// Directory service access mask flags
const (
	ADS_RIGHT_DS_CREATE_CHILD   uint32 = 0x00000001
	ADS_RIGHT_DS_DELETE_CHILD   uint32 = 0x00000002
	ADS_RIGHT_ACTRL_DS_LIST     uint32 = 0x00000004
	ADS_RIGHT_DS_SELF           uint32 = 0x00000008
	ADS_RIGHT_DS_READ_PROP      uint32 = 0x00000010
	ADS_RIGHT_DS_WRITE_PROP     uint32 = 0x00000020
	ADS_RIGHT_DS_DELETE_TREE    uint32 = 0x00000040
	ADS_RIGHT_DS_LIST_OBJECT    uint32 = 0x00000080
	ADS_RIGHT_DS_CONTROL_ACCESS uint32 = 0x00000100

	ACCESS_DELETE       uint32 = 0x00010000
	ACCESS_READ_CONTROL uint32 = 0x00020000
	ACCESS_WRITE_DAC    uint32 = 0x00040000
	ACCESS_WRITE_OWNER  uint32 = 0x00080000

	GENERIC_ALL     uint32 = 0x10000000
	GENERIC_EXECUTE uint32 = 0x20000000
	GENERIC_WRITE   uint32 = 0x40000000
	GENERIC_READ    uint32 = 0x80000000
)

// Composite directory rights as stored on objects once generic bits are mapped
const (
	RIGHT_GENERIC_ALL   = 0x000F01FF
	RIGHT_GENERIC_WRITE = ACCESS_READ_CONTROL | ADS_RIGHT_DS_WRITE_PROP | ADS_RIGHT_DS_SELF
)

// HasGenericAll reports full control, either as the generic bit or the
// mapped set of specific rights.
func HasGenericAll(mask uint32) bool {
	return mask&GENERIC_ALL != 0 || mask&RIGHT_GENERIC_ALL == RIGHT_GENERIC_ALL
}

// HasGenericWrite reports generic write or a plain write-property grant.
func HasGenericWrite(mask uint32) bool {
	return mask&GENERIC_WRITE != 0 || mask&ADS_RIGHT_DS_WRITE_PROP != 0
}

func HasWriteDacl(mask uint32) bool     { return mask&ACCESS_WRITE_DAC != 0 }
func HasWriteOwner(mask uint32) bool    { return mask&ACCESS_WRITE_OWNER != 0 }
func HasExtendedRight(mask uint32) bool { return mask&ADS_RIGHT_DS_CONTROL_ACCESS != 0 }
